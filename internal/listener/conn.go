// Package listener maintains one long-lived IMAP connection per configured
// mailbox, surfaces new messages to the intake acceptor, and re-establishes
// connections under failure with bounded backoff.
package listener

import (
	"fmt"

	"github.com/emersion/go-imap/client"

	"github.com/ignite/portal-intake/internal/config"
)

// Message is one fetched mail, decoded to UTF-8.
type Message struct {
	UID             uint32
	Subject         string
	ContentLanguage string
	TextBody        string
	HTMLBody        string
}

// Conn is the slice of an IMAP session a listener uses. The production
// implementation wraps go-imap; tests substitute a fake.
type Conn interface {
	// Select opens the mailbox read-only and returns its UIDNEXT.
	Select(mailbox string) (uint32, error)
	// SearchAfter returns UIDs strictly greater than lastSeen, ascending.
	SearchAfter(lastSeen uint32) ([]uint32, error)
	// Fetch retrieves and decodes the given messages.
	Fetch(uids []uint32) ([]Message, error)
	// Wait blocks until the server signals new mail, the stop channel
	// closes, or the connection dies. It reports whether new mail arrived.
	Wait(stop <-chan struct{}) (bool, error)
	// Noop performs a health-check round trip.
	Noop() error
	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens a fresh authenticated connection.
type Dialer func() (Conn, error)

// NewDialer builds a Dialer from the IMAP configuration.
func NewDialer(cfg config.IMAPConfig) Dialer {
	return func() (Conn, error) {
		var c *client.Client
		var err error
		if cfg.UseTLS() {
			c, err = client.DialTLS(cfg.Addr(), nil)
		} else {
			c, err = client.Dial(cfg.Addr())
		}
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
		}
		if err := c.Login(cfg.User, cfg.Pass); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("logging in as %s: %w", cfg.User, err)
		}
		return newIMAPConn(c), nil
	}
}
