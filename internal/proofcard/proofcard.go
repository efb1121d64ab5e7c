// Package proofcard issues and verifies ProofCards: a signed, hashed
// summary of one decision row from a results file.
package proofcard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/result"
)

// FileName is the card written into an output directory.
const FileName = "ProofCard.json"

const Algorithm = "HMAC-SHA256"

var (
	ErrNoRecord     = errors.New("no matching record")
	ErrBadSignature = errors.New("proofcard signature does not match")
	ErrBadHash      = errors.New("proofcard payload hash does not match")
)

type Tests struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Payload is the hashed and signed part of a card.
type Payload struct {
	ProofCardID string         `json:"proofcard_id"`
	RunID       string         `json:"run_id"`
	InstanceID  string         `json:"instance_id"`
	Model       string         `json:"model"`
	Timestamp   string         `json:"timestamp"`
	Tests       Tests          `json:"tests"`
	CRI         float64        `json:"cri"`
	SADFlag     bool           `json:"sad_flag"`
	Tau         int            `json:"tau"`
	Decision    guard.Decision `json:"decision"`
	EvalStatus  string         `json:"eval_status,omitempty"`
	PatchHash   string         `json:"patch_hash,omitempty"`
	RowHash     string         `json:"row_hash,omitempty"`
	Source      string         `json:"source"`
}

type Signature struct {
	Algo    string `json:"algo"`
	KeyHint string `json:"key_hint"`
	Value   string `json:"value"`
}

type Card struct {
	Payload
	PayloadHash string     `json:"payload_hash"`
	Signature   *Signature `json:"signature,omitempty"`
}

// precedence orders row types when several rows describe one instance.
var precedence = map[string]int{
	result.TypeReconciled: 5,
	result.TypeWrapped:    4,
	result.TypeExternal:   3,
	result.TypeBaseline:   2,
	result.TypeIteration:  1,
}

// Select picks the row a card is issued for: among rows whose instance id
// (or task, for local runs) equals id, or all rows when id is empty, the
// highest-precedence type wins and later rows beat earlier ones.
func Select(rows []result.Record, id string) (result.Record, error) {
	best, found := -1, false
	var pick result.Record
	for _, r := range rows {
		if id != "" && r.InstanceID != id && r.Task != id {
			continue
		}
		if p := precedence[r.Type]; p >= best {
			best, pick, found = p, r, true
		}
	}
	if !found {
		if id == "" {
			return result.Record{}, fmt.Errorf("%w: results are empty", ErrNoRecord)
		}
		return result.Record{}, fmt.Errorf("%w for %q", ErrNoRecord, id)
	}
	return pick, nil
}

type Options struct {
	Source  string
	Key     []byte
	KeyHint string
	Now     func() time.Time
	NewID   func() string
}

// Build issues a card for rec. The payload hash covers the canonical
// payload; with a key, the same bytes are signed.
func Build(rec result.Record, opts Options) (*Card, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	instance := rec.InstanceID
	if instance == "" {
		instance = rec.Task
	}
	decision := rec.FinalDecision
	if decision == "" {
		decision = rec.Decision
	}
	card := &Card{Payload: Payload{
		ProofCardID: newID(),
		RunID:       rec.RunID,
		InstanceID:  instance,
		Model:       rec.Model,
		Timestamp:   now().UTC().Format(time.RFC3339Nano),
		Tests: Tests{
			Passed: rec.TotalTests - rec.TestsFailed,
			Failed: rec.TestsFailed,
			Total:  rec.TotalTests,
		},
		CRI:        rec.CRI,
		SADFlag:    rec.SADFlag,
		Tau:        rec.Tau,
		Decision:   decision,
		EvalStatus: rec.EvalStatus,
		PatchHash:  rec.PatchHash,
		RowHash:    rec.RowHash,
		Source:     opts.Source,
	}}
	if err := card.seal(opts.Key, opts.KeyHint); err != nil {
		return nil, err
	}
	return card, nil
}

func (c *Card) seal(key []byte, hint string) error {
	body, err := result.Canonical(c.Payload)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	c.PayloadHash = hex.EncodeToString(sum[:])
	c.Signature = nil
	if len(key) > 0 {
		c.Signature = &Signature{Algo: Algorithm, KeyHint: hint, Value: hex.EncodeToString(mac(key, body))}
	}
	return nil
}

func mac(key, body []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(body)
	return m.Sum(nil)
}

// Verify recomputes the payload hash and, when key is given, the
// signature. A card without a signature fails verification with a key.
func Verify(c *Card, key []byte) error {
	body, err := result.Canonical(c.Payload)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != c.PayloadHash {
		return ErrBadHash
	}
	if len(key) == 0 {
		return nil
	}
	if c.Signature == nil || c.Signature.Algo != Algorithm {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(c.Signature.Value)
	if err != nil || !hmac.Equal(want, mac(key, body)) {
		return ErrBadSignature
	}
	return nil
}

// Write stores the card as indented JSON in dir and returns its path.
func Write(c *Card, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating proofcard dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling proofcard: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing proofcard: %w", err)
	}
	return path, nil
}

func Read(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proofcard: %w", err)
	}
	var c Card
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing proofcard: %w", err)
	}
	return &c, nil
}

// ReadKey loads an HMAC key; the raw file bytes are the key.
func ReadKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key %s is empty", path)
	}
	return key, nil
}
