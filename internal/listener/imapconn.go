package listener

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
)

// imapConn adapts a go-imap client to the Conn interface.
//
// go-imap delivers unilateral server updates on a channel that must be
// drained at all times, including while a fetch is running. The drain
// goroutine folds every mailbox update into a pending flag so a new-mail
// signal that arrives mid-fetch is picked up by the next Wait call
// instead of being lost.
type imapConn struct {
	client  *client.Client
	updates chan client.Update
	notify  chan struct{}
	pending atomic.Bool
	done    chan struct{}
}

func newIMAPConn(c *client.Client) *imapConn {
	ic := &imapConn{
		client:  c,
		updates: make(chan client.Update, 64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.Updates = ic.updates
	go ic.drain()
	return ic
}

func (ic *imapConn) drain() {
	for {
		select {
		case upd := <-ic.updates:
			if _, ok := upd.(*client.MailboxUpdate); ok {
				ic.pending.Store(true)
				select {
				case ic.notify <- struct{}{}:
				default:
				}
			}
		case <-ic.done:
			return
		}
	}
}

func (ic *imapConn) Select(mailbox string) (uint32, error) {
	status, err := ic.client.Select(mailbox, true)
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	return status.UidNext, nil
}

func (ic *imapConn) SearchAfter(lastSeen uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastSeen+1, 0)
	uids, err := ic.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (ic *imapConn) Fetch(uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seq := new(imap.SeqSet)
	seq.AddNum(uids...)

	// Peek keeps the portal from flagging messages \Seen; the UID cursor
	// alone decides what has been processed.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	msgs := make(chan *imap.Message, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ic.client.UidFetch(seq, items, msgs)
	}()

	var out []Message
	for msg := range msgs {
		lit := msg.GetBody(section)
		if lit == nil {
			log.WithField("uid", msg.Uid).Warn("listener: fetch returned no body section")
			continue
		}
		decoded, err := decodeMessage(msg.Uid, lit)
		if err != nil {
			log.WithFields(log.Fields{"uid": msg.Uid, "error": err}).Warn("listener: undecodable message")
			continue
		}
		out = append(out, decoded)
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (ic *imapConn) Wait(stop <-chan struct{}) (bool, error) {
	// A signal that landed while a fetch was running short-circuits the
	// idle cycle entirely.
	if ic.pending.Swap(false) {
		return true, nil
	}

	idleStop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		// Idle falls back to NOOP polling on servers without IDLE.
		idleDone <- ic.client.Idle(idleStop, nil)
	}()

	select {
	case <-ic.notify:
		ic.pending.Store(false)
		close(idleStop)
		<-idleDone
		return true, nil
	case err := <-idleDone:
		if err != nil {
			return false, fmt.Errorf("idle: %w", err)
		}
		return false, fmt.Errorf("idle ended unexpectedly")
	case <-stop:
		close(idleStop)
		<-idleDone
		return false, nil
	}
}

func (ic *imapConn) Noop() error {
	return ic.client.Noop()
}

func (ic *imapConn) Close() error {
	close(ic.done)
	return ic.client.Logout()
}
