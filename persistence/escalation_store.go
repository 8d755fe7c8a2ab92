package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/internal/fsutil"
)

var (
	// ErrNotFound is returned when a record, report or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap precondition fails.
	ErrConflict = errors.New("conflict")
	// ErrMalformed wraps records that exist but cannot be decoded.
	ErrMalformed = errors.New("malformed record")
	// ErrReportExists is returned when a report was already generated.
	ErrReportExists = errors.New("report already exists")
)

// EscalationStore holds pending handoffs keyed by case and target tier.
// Create refuses to overwrite, and Transition only consumes a record whose
// version still matches, so concurrent handlers cannot silently clobber each
// other.
type EscalationStore interface {
	Load(ctx context.Context, ref framework.CaseRef, tier framework.Tier) (*framework.Record, error)
	Create(ctx context.Context, rec *framework.Record) error
	// Transition creates next (if non-nil) and consumes current (if non-nil)
	// as one step. current.Version must match the stored version.
	Transition(ctx context.Context, current, next *framework.Record) error
	Pending(ctx context.Context, ref framework.CaseRef) ([]framework.Tier, error)
	List(ctx context.Context) ([]*framework.Record, error)
}

// ReportStore persists final reports. Reports are write-once.
type ReportStore interface {
	SaveReport(ctx context.Context, report *framework.Report) error
	LoadReport(ctx context.Context, ref framework.CaseRef) (*framework.Report, error)
	ListReports(ctx context.Context, clientID string) ([]*framework.Report, error)
}

// FileEscalationStore keeps records as JSON files using the legacy names:
// escalation_{c}_{s}.json, supervisor_{c}_{s}.json, manager_{c}_{s}.json and
// reports/report_{c}_{s}.json.
//
// Case keys join client and session with "_", which both may contain, so two
// cases can map to one file name. Files carry their own ids and a file owned
// by another case is never returned or replaced.
type FileEscalationStore struct {
	root string
	mu   sync.Mutex
	// OnQuarantine is called after an unreadable record was moved aside to
	// make room for a new one.
	OnQuarantine func(ref framework.CaseRef, tier framework.Tier, path string, cause error)
}

// NewFileEscalationStore builds a store rooted at dir.
func NewFileEscalationStore(dir string) (*FileEscalationStore, error) {
	if dir == "" {
		return nil, errors.New("escalation store root required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "reports"), 0o755); err != nil {
		return nil, err
	}
	return &FileEscalationStore{root: dir}, nil
}

// Root returns the directory records live in.
func (s *FileEscalationStore) Root() string { return s.root }

func recordPrefix(tier framework.Tier) (string, error) {
	switch tier {
	case framework.TierSenior:
		return "escalation", nil
	case framework.TierSupervisor:
		return "supervisor", nil
	case framework.TierManager:
		return "manager", nil
	default:
		return "", fmt.Errorf("tier %q has no escalation record", tier)
	}
}

// RecordPath returns the file a record for (ref, tier) lives in.
func (s *FileEscalationStore) RecordPath(ref framework.CaseRef, tier framework.Tier) (string, error) {
	prefix, err := recordPrefix(tier)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, prefix+"_"+ref.Key()+".json"), nil
}

// ReportPath returns the file the report for ref lives in.
func (s *FileEscalationStore) ReportPath(ref framework.CaseRef) string {
	return filepath.Join(s.root, "reports", "report_"+ref.Key()+".json")
}

// Load reads the pending record for (ref, tier).
func (s *FileEscalationStore) Load(ctx context.Context, ref framework.CaseRef, tier framework.Tier) (*framework.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ref, tier)
}

func (s *FileEscalationStore) load(ref framework.CaseRef, tier framework.Tier) (*framework.Record, error) {
	path, err := s.RecordPath(ref, tier)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s record for %s: %w", tier, ref, ErrNotFound)
		}
		return nil, err
	}
	rec, err := decodeRecord(data, tier)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if !ownedBy(rec.ClientID, rec.SessionID, ref) {
		return nil, fmt.Errorf("%s is held by another case: %w", filepath.Base(path), ErrConflict)
	}
	if rec.ClientID == "" {
		rec.ClientID = ref.ClientID
	}
	if rec.SessionID == "" {
		rec.SessionID = ref.SessionID
	}
	return rec, nil
}

// ownedBy reports whether ids read from a file belong to ref. Legacy files
// without ids are attributed to whoever owns the name.
func ownedBy(clientID, sessionID string, ref framework.CaseRef) bool {
	return (clientID == "" || clientID == ref.ClientID) &&
		(sessionID == "" || sessionID == ref.SessionID)
}

func decodeRecord(data []byte, tier framework.Tier) (*framework.Record, error) {
	var rec framework.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Action != "" {
		if got, ok := framework.TierForAction(rec.Action); !ok || got != tier {
			return nil, fmt.Errorf("%w: action %q in %s record", ErrMalformed, rec.Action, tier)
		}
	}
	rec.Tier = tier
	rec.Version = fsutil.Digest(data)
	if rec.Documents == nil {
		rec.Documents = []string{}
	}
	return &rec, nil
}

// Create writes a new record. It fails with ErrConflict when one is pending.
func (s *FileEscalationStore) Create(ctx context.Context, rec *framework.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(rec)
}

func (s *FileEscalationStore) create(rec *framework.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	ref := rec.Case()
	path, err := s.RecordPath(ref, rec.Tier)
	if err != nil {
		return err
	}
	rec.Action = framework.ActionForTier(rec.Tier)
	data, err := fsutil.MarshalJSON(rec)
	if err != nil {
		return err
	}
	err = fsutil.AtomicCreate(path, data, 0o644)
	if errors.Is(err, os.ErrExist) {
		err = s.claimOccupied(ref, rec.Tier, path, data)
	}
	if err != nil {
		return err
	}
	rec.Version = fsutil.Digest(data)
	return nil
}

// claimOccupied decides what to do when path already exists. A readable
// record is a conflict. An unreadable one is renamed to path+".bad" and the
// create is retried.
func (s *FileEscalationStore) claimOccupied(ref framework.CaseRef, tier framework.Tier, path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	old, cause := decodeRecord(existing, tier)
	if cause == nil {
		if !ownedBy(old.ClientID, old.SessionID, ref) {
			return fmt.Errorf("%s record for %s: %s is held by another case: %w", tier, ref, filepath.Base(path), ErrConflict)
		}
		return fmt.Errorf("%s record for %s: %w", tier, ref, ErrConflict)
	}
	if err := os.Rename(path, path+".bad"); err != nil {
		return fmt.Errorf("quarantine %s: %w", filepath.Base(path), err)
	}
	if s.OnQuarantine != nil {
		s.OnQuarantine(ref, tier, path+".bad", cause)
	}
	if err := fsutil.AtomicCreate(path, data, 0o644); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s record for %s: %w", tier, ref, ErrConflict)
		}
		return err
	}
	return nil
}

// Transition creates next and then removes current, holding the store lock
// for both steps.
func (s *FileEscalationStore) Transition(ctx context.Context, current, next *framework.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var currentPath string
	if current != nil {
		stored, err := s.load(current.Case(), current.Tier)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%s record for %s already consumed: %w", current.Tier, current.Case(), ErrConflict)
			}
			return err
		}
		if stored.Version != current.Version {
			return fmt.Errorf("%s record for %s changed: %w", current.Tier, current.Case(), ErrConflict)
		}
		currentPath, _ = s.RecordPath(current.Case(), current.Tier)
	}
	if next != nil {
		if err := s.create(next); err != nil {
			return err
		}
	}
	if currentPath != "" {
		if err := os.Remove(currentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("consume %s: %w", filepath.Base(currentPath), err)
		}
	}
	return nil
}

// Pending lists tiers with a readable record for ref, highest priority
// first. Unreadable files and files held by another case are not pending.
func (s *FileEscalationStore) Pending(ctx context.Context, ref framework.CaseRef) ([]framework.Tier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var tiers []framework.Tier
	for _, tier := range framework.DispatchOrder {
		if _, err := s.load(ref, tier); err == nil {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// List returns every readable pending record. Malformed files are skipped.
func (s *FileEscalationStore) List(ctx context.Context) ([]*framework.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var records []*framework.Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		tier, ok := tierFromFileName(name)
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data, tier)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp.Time) })
	return records, nil
}

func tierFromFileName(name string) (framework.Tier, bool) {
	for _, tier := range framework.DispatchOrder {
		prefix, _ := recordPrefix(tier)
		if strings.HasPrefix(name, prefix+"_") {
			return tier, true
		}
	}
	return "", false
}

// SaveReport writes the report once.
func (s *FileEscalationStore) SaveReport(ctx context.Context, report *framework.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if report == nil {
		return errors.New("nil report")
	}
	data, err := fsutil.MarshalJSON(report)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := report.Case()
	err = fsutil.AtomicCreate(s.ReportPath(ref), data, 0o644)
	if !errors.Is(err, os.ErrExist) {
		return err
	}
	if _, lerr := s.loadReport(ref); errors.Is(lerr, ErrConflict) {
		return fmt.Errorf("report for %s: file is held by another case: %w", ref, ErrConflict)
	}
	return fmt.Errorf("report for %s: %w", ref, ErrReportExists)
}

// LoadReport reads a stored report.
func (s *FileEscalationStore) LoadReport(ctx context.Context, ref framework.CaseRef) (*framework.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report, err := s.loadReport(ref)
	if errors.Is(err, ErrConflict) {
		// Another case's report under the same name is not this case's report.
		return nil, fmt.Errorf("report for %s: %w", ref, ErrNotFound)
	}
	return report, err
}

func (s *FileEscalationStore) loadReport(ref framework.CaseRef) (*framework.Report, error) {
	data, err := os.ReadFile(s.ReportPath(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("report for %s: %w", ref, ErrNotFound)
		}
		return nil, err
	}
	var report framework.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("report for %s: %w: %v", ref, ErrMalformed, err)
	}
	if !ownedBy(report.ClientID, report.SessionID, ref) {
		return nil, fmt.Errorf("report for %s is held by another case: %w", ref, ErrConflict)
	}
	return &report, nil
}

// ListReports returns reports, optionally restricted to one client, newest first.
func (s *FileEscalationStore) ListReports(ctx context.Context, clientID string) ([]*framework.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, "reports")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var reports []*framework.Report
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "report_") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var report framework.Report
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		if clientID != "" && report.ClientID != clientID {
			continue
		}
		reports = append(reports, &report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.After(reports[j].Timestamp.Time) })
	return reports, nil
}
