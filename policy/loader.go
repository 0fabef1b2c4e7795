package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Holder publishes the active policy document. Readers get a consistent
// snapshot without locking; writers replace the whole document at once.
type Holder struct {
	current atomic.Pointer[Document]
}

// NewHolder returns a holder, optionally seeded with doc
func NewHolder(doc *Document) *Holder {
	h := &Holder{}
	if doc != nil {
		h.current.Store(doc)
	}
	return h
}

// Current returns the active document, or nil if none is loaded
func (h *Holder) Current() *Document {
	return h.current.Load()
}

func (h *Holder) swap(doc *Document) *Document {
	return h.current.Swap(doc)
}

// Parse strictly decodes and validates a policy document.
// Unknown fields, multiple YAML documents and invalid values are rejected.
func Parse(ctx context.Context, data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	doc := &Document{}
	if err := dec.Decode(doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErr("policy document is empty")
		}
		return nil, configErr("decode policy: %v", err)
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, configErr("policy file must contain exactly one document")
	}

	if err := requireThresholds(data); err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	if len(doc.Guards) > 0 {
		guard, err := CompileGuard(ctx, doc.Guards)
		if err != nil {
			return nil, err
		}
		doc.guard = guard
	}

	doc.raw = bytes.Clone(data)
	doc.hash = ContentHash(data)
	return doc, nil
}

// requireThresholds rejects tiers that omit confidence_threshold. A zero
// value is legal, so presence is checked on a second, lenient decode.
func requireThresholds(data []byte) error {
	var tierShape struct {
		Tiers []struct {
			ID                  int      `yaml:"id"`
			ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
		} `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &tierShape); err != nil {
		return configErr("decode policy: %v", err)
	}
	for i, t := range tierShape.Tiers {
		if t.ConfidenceThreshold == nil {
			return configErr("tiers[%d] (id %d): confidence_threshold is required", i, t.ID)
		}
	}
	return nil
}

// LoadFile reads and parses a policy file
func LoadFile(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr("read policy file: %v", err)
	}
	return Parse(ctx, data)
}

// ReloadResult describes the outcome of a reload
type ReloadResult struct {
	PreviousVersion string
	NewVersion      string
	Changes         []string
	Swapped         bool
	// Hash is the content hash of the new document
	Hash string
	// HistoryID is the policy history entry recorded for a swap, if any
	HistoryID uint64
}

// Loader reads the policy file and hot-swaps it into a Holder.
// Every reload, successful or not, is written to the audit log.
type Loader struct {
	path    string
	holder  *Holder
	audit   types.AuditLog
	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	history History
	now     func() time.Time
	mu      sync.Mutex
	modTime time.Time
}

// History stores every document that became active
type History interface {
	AppendPolicyVersion(ctx context.Context, v types.PolicyVersion) (types.PolicyVersion, error)
	GetPolicyVersion(ctx context.Context, id uint64) (types.PolicyVersion, error)
}

// NewLoader creates a loader for the policy file at path
func NewLoader(path string, holder *Holder, audit types.AuditLog) *Loader {
	return &Loader{
		path:   path,
		holder: holder,
		audit:  audit,
		logger: telemetry.NewLogger("policy-loader"),
		tracer: otel.Tracer("policy-loader"),
		now:    time.Now,
	}
}

// SetHistory attaches the policy history. Without one, Rollback fails.
func (l *Loader) SetHistory(h History) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = h
}

// SetMetrics attaches metrics instruments
func (l *Loader) SetMetrics(m *telemetry.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// Path returns the policy file path
func (l *Loader) Path() string {
	return l.path
}

// Reload reads the file and swaps it in. On any failure the active
// document is left untouched.
func (l *Loader) Reload(ctx context.Context, actor string) (ReloadResult, error) {
	ctx, span := l.tracer.Start(ctx, "policy_loader.reload",
		trace.WithAttributes(attribute.String("policy.path", l.path)))
	defer span.End()

	if info, err := os.Stat(l.path); err == nil {
		l.mu.Lock()
		l.modTime = info.ModTime()
		l.mu.Unlock()
	}

	doc, err := LoadFile(ctx, l.path)
	if err != nil {
		l.recordFailure(ctx, actor, err)
		return ReloadResult{}, err
	}

	return l.Apply(ctx, doc, l.path, actor)
}

// Apply installs an already parsed document
func (l *Loader) Apply(ctx context.Context, doc *Document, source, actor string) (ReloadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(ctx, doc, source, actor, 0)
}

// Rollback re-activates a document from the policy history. It may go to
// an older version, and it is recorded as a new history entry pointing
// at the one it restored. The policy file is not rewritten.
func (l *Loader) Rollback(ctx context.Context, id uint64, actor string) (ReloadResult, error) {
	ctx, span := l.tracer.Start(ctx, "policy_loader.rollback",
		trace.WithAttributes(attribute.Int64("policy.history_id", int64(id))))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.history == nil {
		return ReloadResult{}, configErr("policy history is not configured")
	}
	target, err := l.history.GetPolicyVersion(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return ReloadResult{}, err
	}
	doc, err := Parse(ctx, []byte(target.Content))
	if err != nil {
		err = fmt.Errorf("policy history entry %d: %w", id, err)
		l.recordFailure(ctx, actor, err)
		return ReloadResult{}, err
	}
	return l.apply(ctx, doc, fmt.Sprintf("history:%d", id), actor, id)
}

// apply runs with l.mu held. rollbackOf is the history id being restored,
// or zero for a forward reload.
func (l *Loader) apply(ctx context.Context, doc *Document, source, actor string, rollbackOf uint64) (ReloadResult, error) {
	prev := l.holder.Current()
	res := ReloadResult{NewVersion: doc.Version, Hash: doc.Hash()}
	if prev != nil {
		res.PreviousVersion = prev.Version
		if rollbackOf == 0 && doc.SemVer().LessThan(prev.SemVer()) {
			err := configErr("policy version %s is older than active version %s", doc.Version, prev.Version)
			l.recordFailure(ctx, actor, err)
			return res, err
		}
	}
	res.Changes = Diff(prev, doc)

	if prev != nil && len(res.Changes) == 0 {
		l.logger.WithContext(ctx).Debug().
			Str("version", doc.Version).
			Msg("policy unchanged, skipping reload")
		l.metrics.RecordPolicyReload(ctx, "unchanged")
		return res, nil
	}

	record := types.PolicyReloadRecord{
		PreviousVersion: res.PreviousVersion,
		NewVersion:      doc.Version,
		Source:          source,
		Changes:         res.Changes,
		Actor:           actor,
		Hash:            doc.Hash(),
		RollbackOf:      rollbackOf,
	}
	if err := l.audit.Append(types.AuditPolicyReload, doc.Version, record); err != nil {
		l.logger.WithContext(ctx).Error().
			Err(err).
			Str("version", doc.Version).
			Msg("audit write failed, policy not swapped")
		l.metrics.RecordPolicyReload(ctx, "audit_failed")
		return res, fmt.Errorf("%w: audit policy reload: %v", types.ErrUnavailable, err)
	}

	l.holder.swap(doc)
	res.Swapped = true
	status := "swapped"
	if rollbackOf != 0 {
		status = "rolled_back"
	}
	l.metrics.RecordPolicyReload(ctx, status)
	var changes []string
	if prev != nil {
		changes = res.Changes
	}
	res.HistoryID = l.remember(ctx, doc, source, actor, changes, rollbackOf)

	if prev != nil && doc.Version == prev.Version {
		l.logger.WithContext(ctx).Warn().
			Str("version", doc.Version).
			Msg("policy content changed without a version bump")
	}

	l.logger.WithContext(ctx).Info().
		Str("previous_version", res.PreviousVersion).
		Str("new_version", res.NewVersion).
		Strs("changes", res.Changes).
		Str("actor", actor).
		Uint64("rollback_of", rollbackOf).
		Msg("policy reloaded")

	return res, nil
}

// remember appends the active document to the history. The audit entry is
// the commit point, so a history failure is logged and the swap stands.
func (l *Loader) remember(ctx context.Context, doc *Document, source, actor string, changes []string, rollbackOf uint64) uint64 {
	if l.history == nil || len(doc.Raw()) == 0 {
		return 0
	}
	v, err := l.history.AppendPolicyVersion(ctx, types.PolicyVersion{
		Version:    doc.Version,
		Hash:       doc.Hash(),
		Content:    string(doc.Raw()),
		Changes:    changes,
		Source:     source,
		CreatedBy:  actor,
		CreatedAt:  l.now().UTC(),
		RollbackOf: rollbackOf,
	})
	if err != nil {
		l.logger.WithContext(ctx).Error().
			Err(err).
			Str("version", doc.Version).
			Msg("failed to record policy version")
		return 0
	}
	return v.ID
}

func (l *Loader) recordFailure(ctx context.Context, actor string, cause error) {
	l.logger.WithContext(ctx).Error().
		Err(cause).
		Str("path", l.path).
		Msg("policy reload rejected")
	l.metrics.RecordPolicyReload(ctx, "rejected")

	record := types.PolicyReloadRecord{Source: l.path, Actor: actor}
	if cur := l.holder.Current(); cur != nil {
		record.PreviousVersion = cur.Version
	}
	if err := l.audit.AppendError(types.AuditPolicyReload, l.path, record, cause); err != nil {
		l.logger.WithContext(ctx).Error().Err(err).Msg("failed to audit rejected reload")
	}
}

// Watch polls the policy file and reloads it when its modification time
// changes. It returns when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if l.changed() {
				_, _ = l.Reload(ctx, "file-watcher")
			}
		}
	}
}

func (l *Loader) changed() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return info.ModTime().After(l.modTime)
}
