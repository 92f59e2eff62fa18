package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

var (
	backendURL = flag.String("url", "http://localhost:5500", "proxy HTTP base URL")
	grpcAddr   = flag.String("grpc", "localhost:50051", "proxy gRPC health address")
	token      = flag.String("token", os.Getenv("DEVICE_TOKEN"), "device bearer token")
	framePath  = flag.String("frame", "", "JPEG to send (a generated image is used when empty)")
)

func testHealth() error {
	fmt.Println("\n[TEST] Testing /api/health...")
	resp, err := http.Get(*backendURL + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("✓ Health check: %s\n", strings.TrimSpace(string(body)))
	return nil
}

func testGRPCHealth() error {
	fmt.Println("\n[TEST] Testing gRPC health...")
	hc, err := services.NewHealthClient(*grpcAddr)
	if err != nil {
		return err
	}
	defer hc.Close()

	serving, err := hc.Check(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("✓ gRPC health: serving=%v\n", serving)
	return nil
}

func postFrame(frame []byte, bearer string) (int, models.FrameResponse, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="frame"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return 0, models.FrameResponse{}, err
	}
	part.Write(frame)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, *backendURL+"/process_frame", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, models.FrameResponse{}, fmt.Errorf("frame request failed: %v", err)
	}
	defer resp.Body.Close()

	var out models.FrameResponse
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &out); err != nil {
		return resp.StatusCode, out, fmt.Errorf("failed to parse response: %v, body: %s", err, string(raw))
	}
	return resp.StatusCode, out, nil
}

func testUnauthorized(frame []byte) error {
	fmt.Println("\n[TEST] Testing /process_frame without a token...")
	status, resp, err := postFrame(frame, "")
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != models.CodeUnauthorized {
		return fmt.Errorf("expected 401 UNAUTHORIZED, got %d %+v", status, resp.Error)
	}
	fmt.Println("✓ Rejected with UNAUTHORIZED")
	return nil
}

func testDetection(frame []byte) error {
	fmt.Println("\n[TEST] Testing /process_frame...")
	status, resp, err := postFrame(frame, *token)
	if err != nil {
		return err
	}
	if status != http.StatusOK || resp.Data == nil {
		return fmt.Errorf("detection failed: status %d, error %+v", status, resp.Error)
	}

	fmt.Printf("✓ Detection successful!\n")
	fmt.Printf("  - Commands: %v\n", resp.Data.Commands)
	if resp.Data.AudioURL != nil {
		fmt.Printf("  - Audio: %s\n", *resp.Data.AudioURL)
	} else {
		fmt.Printf("  - Audio: none\n")
	}
	return nil
}

func generateTestImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	flag.Parse()

	fmt.Println("=" + strings.Repeat("=", 60))
	fmt.Println("Driver monitor - detection proxy smoke client")
	fmt.Println("=" + strings.Repeat("=", 60))
	fmt.Println("\n[INFO] Make sure the proxy is running on", *backendURL)

	var frame []byte
	var err error
	if *framePath != "" {
		frame, err = os.ReadFile(*framePath)
	} else {
		fmt.Println("\n[INFO] Generating test image...")
		frame, err = generateTestImage()
	}
	if err != nil {
		log.Fatalf("Failed to load test image: %v", err)
	}
	fmt.Printf("✓ Test image: %d bytes\n", len(frame))

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Health Check", testHealth},
		{"gRPC Health", testGRPCHealth},
		{"Unauthorized", func() error { return testUnauthorized(frame) }},
	}
	for _, test := range tests {
		if err := test.fn(); err != nil {
			log.Printf("❌ %s failed: %v", test.name, err)
			os.Exit(1)
		}
	}

	if *token == "" {
		log.Printf("⚠ No token given (-token or DEVICE_TOKEN), skipping detection")
		return
	}
	if err := testDetection(frame); err != nil {
		log.Printf("❌ Detection test failed: %v", err)
		log.Printf("   Make sure the vision service is reachable from the proxy!")
		os.Exit(1)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("✅ All tests completed successfully!")
	fmt.Println("=" + strings.Repeat("=", 60))
}
