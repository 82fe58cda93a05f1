package repository

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"certmint/db"
	"certmint/models"

	"github.com/rotisserie/eris"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	// ErrRecordExists is returned when a record key is written twice; records are immutable
	ErrRecordExists = eris.New("record already exists")
	// ErrRecordNotFound is returned when no record is stored under a key
	ErrRecordNotFound = eris.New("record not found")
)

// Status is how far the mint had progressed when a record was written
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusMinted    Status = "minted"
	StatusPromoted  Status = "promoted"
)

// Rank orders statuses so the most advanced record of one transaction wins
func (s Status) Rank() int {
	switch s {
	case StatusSubmitted:
		return 1
	case StatusMinted:
		return 2
	case StatusPromoted:
		return 3
	}
	return 0
}

// Record is one immutable local fallback entry
type Record struct {
	Key          string             `json:"key"`
	Status       Status             `json:"status"`
	Certificate  models.Certificate `json:"certificate"`
	AttemptID    string             `json:"attemptId,omitempty"`
	PromotedFrom string             `json:"promotedFrom,omitempty"`
	WrittenAt    int64              `json:"writtenAt"`
}

// RecordKey derives the store key for a certificate: the chain identifier
// once known, the placeholder identifier when extraction failed, else the
// transaction hash
func RecordKey(c *models.Certificate) string {
	switch {
	case c.Confirmed():
		return "token-" + c.TokenID.String()
	case c.TokenID != nil:
		return "placeholder-" + c.TokenID.String()
	case c.TxHash != "":
		return "tx-" + c.TxHash
	}
	return ""
}

// PromotedKey is the key of the chain-backed record that supersedes the
// unconfirmed record stored under from
func PromotedKey(from string) string {
	return "promoted-" + from
}

// It abstracts the storage layer from the business logic
type CertificateRepositoryInterface interface {
	PutRecord(rec *Record) error
	GetRecord(network, key string) (*Record, error)
	ListRecords(network string) ([]*Record, error)
	SetFlag(name string, until time.Time) error
	HasFlag(name string, at time.Time) (bool, error)
}

// CertificateRepository implements CertificateRepositoryInterface using LevelDB as the storage backend
type CertificateRepository struct {
	db *db.LevelDB
	mu sync.Mutex
}

// NewCertificateRepository creates and returns a new CertificateRepository instance
func NewCertificateRepository(db *db.LevelDB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

func recordKey(network, key string) []byte {
	return []byte("cert:" + network + ":" + key)
}

func indexKey(network string) []byte {
	return []byte("index:" + network)
}

func flagKey(name string) []byte {
	return []byte("flag:" + name)
}

// PutRecord stores a record under its per-identifier key and appends the key
// to the network index in the same batch
func (r *CertificateRepository) PutRecord(rec *Record) error {
	if rec.Key == "" {
		rec.Key = RecordKey(&rec.Certificate)
	}
	if rec.Key == "" {
		return eris.New("repository: record has no identifier or transaction hash")
	}
	network := rec.Certificate.Network

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.db.Has(recordKey(network, rec.Key))
	if err != nil {
		return eris.Wrapf(err, "repository: check record %s", rec.Key)
	}
	if exists {
		return ErrRecordExists
	}

	index, err := r.readIndex(network)
	if err != nil {
		return err
	}
	index = append(index, rec.Key)

	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "repository: encode record")
	}
	indexData, err := json.Marshal(index)
	if err != nil {
		return eris.Wrap(err, "repository: encode index")
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(network, rec.Key), data)
	batch.Put(indexKey(network), indexData)
	if err := r.db.WriteBatch(batch); err != nil {
		return eris.Wrapf(err, "repository: write record %s", rec.Key)
	}
	return nil
}

// GetRecord retrieves a record by network and key
func (r *CertificateRepository) GetRecord(network, key string) (*Record, error) {
	data, err := r.db.Get(recordKey(network, key))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: read record %s", key)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "repository: decode record %s", key)
	}
	return &rec, nil
}

// ListRecords returns every record of a network in write order
func (r *CertificateRepository) ListRecords(network string) ([]*Record, error) {
	r.mu.Lock()
	index, err := r.readIndex(network)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(index))
	for _, key := range index {
		rec, err := r.GetRecord(network, key)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *CertificateRepository) readIndex(network string) ([]string, error) {
	data, err := r.db.Get(indexKey(network))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: read index %s", network)
	}
	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, eris.Wrapf(err, "repository: decode index %s", network)
	}
	return index, nil
}

type flag struct {
	Until int64 `json:"until"`
}

// SetFlag sets a short-lived marker that expires at until
func (r *CertificateRepository) SetFlag(name string, until time.Time) error {
	data, err := json.Marshal(flag{Until: until.UnixMilli()})
	if err != nil {
		return eris.Wrap(err, "repository: encode flag")
	}
	if err := r.db.Put(flagKey(name), data); err != nil {
		return eris.Wrapf(err, "repository: write flag %s", name)
	}
	return nil
}

// HasFlag reports whether the marker is set and not yet expired at the given time
func (r *CertificateRepository) HasFlag(name string, at time.Time) (bool, error) {
	data, err := r.db.Get(flagKey(name))
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "repository: read flag %s", name)
	}
	var f flag
	if err := json.Unmarshal(data, &f); err != nil {
		return false, eris.Wrapf(err, "repository: decode flag %s", name)
	}
	return at.UnixMilli() < f.Until, nil
}

// RecentMintFlag names the marker set after a successful mint so aggregate
// reads can be deferred until the chain catches up
func RecentMintFlag(network, account string) string {
	return "recent-mint:" + network + ":" + strings.ToLower(account)
}

// IndexReport compares a network's index with the records actually stored
type IndexReport struct {
	Network string `json:"network"`
	Indexed int    `json:"indexed"`
	Stored  int    `json:"stored"`
	// Unindexed are stored records the index does not list
	Unindexed []string `json:"unindexed,omitempty"`
	// Dangling are index entries with no stored record
	Dangling []string `json:"dangling,omitempty"`
}

// Consistent reports whether index and records agree
func (r IndexReport) Consistent() bool {
	return len(r.Unindexed) == 0 && len(r.Dangling) == 0
}

// VerifyIndex scans the stored records of a network and checks them against
// the index
func (r *CertificateRepository) VerifyIndex(network string) (*IndexReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifyIndexLocked(network)
}

func (r *CertificateRepository) verifyIndexLocked(network string) (*IndexReport, error) {
	index, err := r.readIndex(network)
	if err != nil {
		return nil, err
	}

	prefix := recordKey(network, "")
	stored := make(map[string]struct{})
	iter := r.db.NewPrefixIterator(prefix)
	for iter.Next() {
		stored[string(iter.Key()[len(prefix):])] = struct{}{}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, eris.Wrapf(err, "repository: scan records %s", network)
	}

	report := &IndexReport{Network: network, Indexed: len(index), Stored: len(stored)}
	indexed := make(map[string]struct{}, len(index))
	for _, key := range index {
		indexed[key] = struct{}{}
		if _, ok := stored[key]; !ok {
			report.Dangling = append(report.Dangling, key)
		}
	}
	for key := range stored {
		if _, ok := indexed[key]; !ok {
			report.Unindexed = append(report.Unindexed, key)
		}
	}
	sort.Strings(report.Unindexed)
	return report, nil
}

// RepairIndex rewrites the index of a network from the stored records,
// keeping the existing order and appending unindexed keys
func (r *CertificateRepository) RepairIndex(network string) (*IndexReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.verifyIndexLocked(network)
	if err != nil || report.Consistent() {
		return report, err
	}

	index, err := r.readIndex(network)
	if err != nil {
		return nil, err
	}
	dangling := make(map[string]struct{}, len(report.Dangling))
	for _, key := range report.Dangling {
		dangling[key] = struct{}{}
	}
	repaired := make([]string, 0, report.Stored)
	for _, key := range index {
		if _, ok := dangling[key]; !ok {
			repaired = append(repaired, key)
		}
	}
	repaired = append(repaired, report.Unindexed...)

	data, err := json.Marshal(repaired)
	if err != nil {
		return nil, eris.Wrap(err, "repository: encode index")
	}
	if err := r.db.Put(indexKey(network), data); err != nil {
		return nil, eris.Wrapf(err, "repository: write index %s", network)
	}
	return report, nil
}
