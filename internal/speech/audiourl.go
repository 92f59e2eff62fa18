package speech

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ttsHost      = "https://translate.google.com"
	maxTTSLength = 200
)

var ErrAudioURL = errors.New("audio url generation failed")

// AudioURL builds a hosted TTS link that speaks the commands as one sentence.
func AudioURL(commands []string) (string, error) {
	var valid []string
	for _, c := range commands {
		if c = strings.TrimSpace(c); c != "" {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return "", fmt.Errorf("%w: no commands", ErrAudioURL)
	}

	sentence := strings.Join(valid, ". ")
	n := utf8.RuneCountInString(sentence)
	if n > maxTTSLength {
		return "", fmt.Errorf("%w: text is %d characters, limit %d", ErrAudioURL, n, maxTTSLength)
	}

	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", sentence)
	q.Set("tl", "en")
	q.Set("total", "1")
	q.Set("idx", "0")
	q.Set("textlen", strconv.Itoa(n))
	q.Set("client", "tw-ob")
	q.Set("prev", "input")
	q.Set("ttsspeed", "1")

	u := ttsHost + "/translate_tts?" + q.Encode()
	if !strings.HasPrefix(u, "https://") {
		return "", fmt.Errorf("%w: %s", ErrAudioURL, u)
	}
	return u, nil
}
