package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"idlink/internal/contact/metrics"
	"idlink/internal/contact/models"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/sentinel"
	pstrings "idlink/pkg/platform/strings"
	"idlink/pkg/requestcontext"
)

// Store is the contact persistence surface the reconciler consumes. Reads
// exclude soft-deleted rows; Create assigns the contact's ID.
type Store interface {
	FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*models.Contact, error)
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	FindByLinkedID(ctx context.Context, linkedID int64) ([]*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) error
	Update(ctx context.Context, contact *models.Contact) error
}

// TxRunner provides the transactional boundary for one identify call: the
// match query and every resulting mutation commit or roll back together.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// maxTxAttempts bounds retries when a concurrent identify call aborts ours
// with a serialization conflict.
const maxTxAttempts = 3

// Reconciliation outcomes for metrics and audit logs.
const (
	outcomePrimaryCreated   = "primary_created"
	outcomeSecondaryCreated = "secondary_created"
	outcomeMerged           = "merged"
	outcomeRepeat           = "repeat"
)

// Reconciler decides, for each (email, phone) submission, whether it belongs
// to an existing cluster, bridges two clusters, or starts a new one, and
// mutates the store to keep exactly one primary per cluster.
type Reconciler struct {
	store   Store
	tx      TxRunner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(r *Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New constructs a Reconciler.
func New(store Store, tx TxRunner, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, tx: tx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identify reconciles one submission and returns the resulting cluster view.
// Validation failures never touch the store. Conflicting transactions are
// retried up to maxTxAttempts before surfacing as an internal error.
func (r *Reconciler) Identify(ctx context.Context, req *models.IdentifyRequest) (*models.ClusterView, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var view *models.ClusterView
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
			var txErr error
			view, txErr = r.reconcile(ctx, req.Email, req.PhoneNumber)
			return txErr
		})
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			break
		}
		r.countConflict()
		if r.logger != nil {
			r.logger.DebugContext(ctx, "identify transaction conflicted, retrying",
				"attempt", attempt,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}

	if r.logger != nil {
		r.logger.ErrorContext(ctx, "identify failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	}
	return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reconcile identity")
}

// reconcile runs entirely inside one transaction.
func (r *Reconciler) reconcile(ctx context.Context, email, phoneNumber string) (*models.ClusterView, error) {
	now := requestcontext.Now(ctx)

	matches, err := r.store.FindByEmailOrPhone(ctx, email, phoneNumber)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		primary, err := models.NewPrimary(email, phoneNumber, now)
		if err != nil {
			return nil, err
		}
		if err := r.store.Create(ctx, primary); err != nil {
			return nil, err
		}
		r.logAudit(ctx, "contact_created", "contact_id", primary.ID, "precedence", models.PrecedencePrimary)
		r.countContactCreated()
		r.countOutcome(outcomePrimaryCreated)
		return assembleView(primary, nil), nil
	}

	primaries, err := r.resolvePrimaries(ctx, matches)
	if err != nil {
		return nil, err
	}

	// The oldest primary anchors the (possibly unified) cluster.
	kept := primaries[0]
	for _, p := range primaries[1:] {
		if p.OlderThan(kept) {
			kept = p
		}
	}

	merged := false
	for _, absorbed := range primaries {
		if absorbed.ID == kept.ID {
			continue
		}
		if err := r.mergeClusters(ctx, kept, absorbed, now); err != nil {
			return nil, err
		}
		merged = true
	}

	members, err := r.store.FindByLinkedID(ctx, kept.ID)
	if err != nil {
		return nil, err
	}

	outcome := outcomeRepeat
	if merged {
		outcome = outcomeMerged
	}

	// The exact-pair check runs against the unified cluster, after any merge,
	// so a submission that both bridges two clusters and repeats a known pair
	// does not leave a duplicate secondary behind.
	if !exactPairExists(kept, members, email, phoneNumber) {
		secondary, err := models.NewSecondary(email, phoneNumber, kept.ID, now)
		if err != nil {
			return nil, err
		}
		if err := r.store.Create(ctx, secondary); err != nil {
			return nil, err
		}
		members = append(members, secondary)
		r.logAudit(ctx, "contact_created", "contact_id", secondary.ID, "precedence", models.PrecedenceSecondary, "primary_id", kept.ID)
		r.countContactCreated()
		if !merged {
			outcome = outcomeSecondaryCreated
		}
	}

	r.countOutcome(outcome)
	return assembleView(kept, members), nil
}

// resolvePrimaries maps each matched contact to its cluster root and returns
// the distinct roots in encounter order.
func (r *Reconciler) resolvePrimaries(ctx context.Context, matches []*models.Contact) ([]*models.Contact, error) {
	seen := make(map[int64]bool)
	var primaries []*models.Contact

	for _, match := range matches {
		root := match
		if !match.IsPrimary() {
			if match.LinkedID == nil {
				return nil, dErrors.New(dErrors.CodeInternal, "secondary contact has no cluster link")
			}
			linked, err := r.store.FindByID(ctx, *match.LinkedID)
			if err != nil {
				return nil, err
			}
			// Secondaries link directly to their primary; anything else means
			// a multi-hop chain leaked into the store.
			if !linked.IsPrimary() {
				return nil, dErrors.New(dErrors.CodeInternal, "cluster link does not point at a primary contact")
			}
			root = linked
		}
		if !seen[root.ID] {
			seen[root.ID] = true
			primaries = append(primaries, root)
		}
	}
	return primaries, nil
}

// mergeClusters demotes the absorbed primary under kept and re-points every
// direct child of the absorbed root, so no dangling or multi-hop links
// survive the merge.
func (r *Reconciler) mergeClusters(ctx context.Context, kept, absorbed *models.Contact, now time.Time) error {
	children, err := r.store.FindByLinkedID(ctx, absorbed.ID)
	if err != nil {
		return err
	}

	absorbed.Demote(kept.ID, now)
	if err := r.store.Update(ctx, absorbed); err != nil {
		return err
	}

	for _, child := range children {
		child.Relink(kept.ID, now)
		if err := r.store.Update(ctx, child); err != nil {
			return err
		}
	}

	r.logAudit(ctx, "clusters_merged",
		"kept_id", kept.ID,
		"absorbed_id", absorbed.ID,
		"relinked_contacts", len(children),
	)
	r.countMerge()
	return nil
}

func exactPairExists(primary *models.Contact, members []*models.Contact, email, phoneNumber string) bool {
	if primary.HasExactPair(email, phoneNumber) {
		return true
	}
	for _, m := range members {
		if m.HasExactPair(email, phoneNumber) {
			return true
		}
	}
	return false
}

// assembleView flattens a cluster into the response shape: the primary's
// identifiers first, then secondaries in ascending id order, deduplicated.
func assembleView(primary *models.Contact, members []*models.Contact) *models.ClusterView {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	emails := make([]string, 0, len(members)+1)
	phones := make([]string, 0, len(members)+1)
	secondaryIDs := make([]int64, 0, len(members))

	emails = append(emails, primary.Email)
	phones = append(phones, primary.PhoneNumber)
	for _, m := range members {
		emails = append(emails, m.Email)
		phones = append(phones, m.PhoneNumber)
		secondaryIDs = append(secondaryIDs, m.ID)
	}

	return &models.ClusterView{
		PrimaryContactID:    primary.ID,
		Emails:              pstrings.DedupeAndTrim(emails),
		PhoneNumbers:        pstrings.DedupeAndTrim(phones),
		SecondaryContactIDs: secondaryIDs,
	}
}

func (r *Reconciler) logAudit(ctx context.Context, event string, attributes ...any) {
	if r.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	r.logger.InfoContext(ctx, event, args...)
}

func (r *Reconciler) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.Identifications.WithLabelValues(outcome).Inc()
	}
}

func (r *Reconciler) countContactCreated() {
	if r.metrics != nil {
		r.metrics.ContactsCreated.Inc()
	}
}

func (r *Reconciler) countMerge() {
	if r.metrics != nil {
		r.metrics.ClustersMerged.Inc()
	}
}

func (r *Reconciler) countConflict() {
	if r.metrics != nil {
		r.metrics.TxConflicts.Inc()
	}
}
