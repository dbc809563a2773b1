package approval

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

// PairingRequest is the low-ceremony alternative to a PendingApproval: the
// unknown sender receives a short code to relay to an approver out of band.
type PairingRequest struct {
	ID         string    `json:"id"` // requester user id
	Code       string    `json:"code"`
	Name       string    `json:"name,omitempty"`
	Username   string    `json:"username,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type pairingDoc struct {
	Version  int               `json:"version"`
	Requests []*PairingRequest `json:"requests"`
}

const (
	pairingDocName = "pairing-requests"

	// codeAlphabet avoids ambiguous glyphs (0/O, 1/I/L) since codes are
	// relayed by humans.
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	// maxPendingPairings bounds the document; the oldest request is evicted
	// on overflow.
	maxPendingPairings = 3

	// pairingTTL is how long a request stays redeemable. Stale entries are
	// purged lazily on the next read.
	pairingTTL = time.Hour
)

// Pairing manages the pairing-requests document.
type Pairing struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewPairing creates a pairing manager backed by st.
func NewPairing(st *store.Store, logger *slog.Logger) *Pairing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pairing{
		store:  st,
		logger: logger.With("component", "pairing"),
		now:    time.Now,
	}
}

// Touch returns the pairing request for userID, creating one if needed.
// fresh is true only when a new request (and code) was created; the caller
// sends the code reply exactly once per fresh request. An existing request
// only has its LastSeenAt bumped.
func (pm *Pairing) Touch(userID, name, username string) (*PairingRequest, bool, error) {
	var doc pairingDoc
	if err := pm.store.Load(pairingDocName, &doc); err != nil {
		return nil, false, err
	}

	now := pm.now()
	pm.purge(&doc, now)

	for _, r := range doc.Requests {
		if r.ID == userID {
			r.LastSeenAt = now
			if err := pm.save(&doc); err != nil {
				return nil, false, err
			}
			return r, false, nil
		}
	}

	r := &PairingRequest{
		ID:         userID,
		Code:       newPairingCode(),
		Name:       name,
		Username:   username,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	doc.Requests = append(doc.Requests, r)

	// Evict oldest on overflow.
	if len(doc.Requests) > maxPendingPairings {
		sort.Slice(doc.Requests, func(i, j int) bool {
			return doc.Requests[i].CreatedAt.Before(doc.Requests[j].CreatedAt)
		})
		doc.Requests = doc.Requests[len(doc.Requests)-maxPendingPairings:]
	}

	if err := pm.save(&doc); err != nil {
		return nil, false, err
	}
	pm.logger.Info("created pairing request", "user", userID)
	return r, true, nil
}

// Redeem consumes the request matching code, returning nil if the code is
// unknown or stale.
func (pm *Pairing) Redeem(code string) (*PairingRequest, error) {
	var doc pairingDoc
	if err := pm.store.Load(pairingDocName, &doc); err != nil {
		return nil, err
	}
	pm.purge(&doc, pm.now())

	for i, r := range doc.Requests {
		if r.Code == code {
			doc.Requests = append(doc.Requests[:i], doc.Requests[i+1:]...)
			if err := pm.save(&doc); err != nil {
				return nil, err
			}
			pm.logger.Info("redeemed pairing code", "user", r.ID)
			return r, nil
		}
	}
	return nil, nil
}

// List returns the live pairing requests, oldest first.
func (pm *Pairing) List() ([]*PairingRequest, error) {
	var doc pairingDoc
	if err := pm.store.Load(pairingDocName, &doc); err != nil {
		return nil, err
	}
	pm.purge(&doc, pm.now())
	sort.Slice(doc.Requests, func(i, j int) bool {
		return doc.Requests[i].CreatedAt.Before(doc.Requests[j].CreatedAt)
	})
	return doc.Requests, nil
}

func (pm *Pairing) save(doc *pairingDoc) error {
	doc.Version = docVersion
	return pm.store.Save(pairingDocName, doc)
}

// purge drops entries older than pairingTTL in place.
func (pm *Pairing) purge(doc *pairingDoc, now time.Time) {
	kept := doc.Requests[:0]
	for _, r := range doc.Requests {
		if now.Sub(r.CreatedAt) <= pairingTTL {
			kept = append(kept, r)
		}
	}
	doc.Requests = kept
}

// newPairingCode draws a fixed-length code from the unambiguous alphabet.
func newPairingCode() string {
	out := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out)
}
