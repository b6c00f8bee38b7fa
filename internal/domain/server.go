package domain

import (
	"net"
	"strconv"
	"time"
)

// DefaultSSHPort is used when a server does not declare one.
const DefaultSSHPort = 22

// StoredServer is a registered server as persisted, secrets still encrypted.
type StoredServer struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Username            string    `json:"username"`
	EncryptedPassword   string    `json:"encrypted_password,omitempty"`
	EncryptedPrivateKey string    `json:"encrypted_private_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ServerTarget identifies a remote host with transiently decrypted credentials.
// It must never be persisted or logged as-is.
type ServerTarget struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
}

// Address returns host:port, applying the default SSH port.
func (t ServerTarget) Address() string {
	port := t.Port
	if port <= 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String renders the target without credentials.
func (t ServerTarget) String() string {
	return t.Username + "@" + t.Address()
}
