package auth

// StaticSource supplies the device's identity from configuration. Refreshing
// an expired token is handled outside this process.
type StaticSource struct {
	token   string
	ownerID string
}

func NewStaticSource(token, ownerID string) StaticSource {
	return StaticSource{token: token, ownerID: ownerID}
}

func (s StaticSource) Token() string   { return s.token }
func (s StaticSource) OwnerID() string { return s.ownerID }
