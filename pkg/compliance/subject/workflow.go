package subject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/crm"
	"mercator-hq/custodian/pkg/notify"
	"mercator-hq/custodian/pkg/telemetry/tracing"
)

// Object types written to the ledger by the workflow.
const (
	ObjectSubjectData     = "subject_data"
	ObjectDeletionRequest = "deletion_request"
	ObjectSubject         = "subject"
)

// Operation names reported to Metrics.
const (
	OpExport          = "export"
	OpRequestDeletion = "request_deletion"
	OpConfirmDeletion = "confirm_deletion"
)

// Outcomes reported to Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// RequestedMessage is returned for every deletion request, whether or not
// the subject exists.
const RequestedMessage = "If an account exists, a confirmation link has been sent to its email address."

// CompletedMessage is returned after a confirmed deletion.
const CompletedMessage = "Your personal data has been erased."

var (
	errRequestMissing    = errors.New("no pending deletion request")
	errRequestExpired    = errors.New("deletion request expired")
	errRequestSuperseded = errors.New("deletion request superseded or already consumed")
)

// LegalHold decides whether a subject's records are under statutory retention.
type LegalHold interface {
	UnderLegalHold(ctx context.Context, subjectID string) (bool, error)
}

// Metrics receives subject request outcomes.
type Metrics interface {
	SubjectRequest(operation, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SubjectRequest(string, string, time.Duration) {}

// Config tunes the workflow.
type Config struct {
	// ConfirmURLTemplate builds the link mailed to the subject. {subject}
	// and {token} are replaced with query-escaped values.
	ConfirmURLTemplate string

	// TokenTTL is how long a confirmation token stays valid.
	// Default: 7 days
	TokenTTL time.Duration

	// BcryptCost is the token hashing cost. Zero uses bcrypt.DefaultCost.
	BcryptCost int

	// DeleteCRMContact removes the CRM contact during execution.
	DeleteCRMContact bool

	// CRMTimeout and NotifyTimeout bound collaborator calls.
	CRMTimeout    time.Duration
	NotifyTimeout time.Duration
}

// DefaultConfig returns the workflow defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmURLTemplate: "https://shop.example.com/privacy/delete/confirm?subject={subject}&token={token}",
		TokenTTL:           compliance.DeletionTokenTTL,
		CRMTimeout:         5 * time.Second,
		NotifyTimeout:      10 * time.Second,
	}
}

// ExportRequest asks for a copy of a subject's data.
type ExportRequest struct {
	SubjectID     string                  `json:"subject_id" validate:"subject_id"`
	Format        compliance.ExportFormat `json:"format" validate:"export_format"`
	SourceAddress string                  `json:"-"`
}

// ExportResult is a rendered export.
type ExportResult struct {
	SubjectID   string                  `json:"subject_id"`
	Format      compliance.ExportFormat `json:"format"`
	ContentType string                  `json:"content_type"`
	Body        []byte                  `json:"-"`
	Data        *SubjectData            `json:"-"`
}

// DeletionInput starts a deletion request.
type DeletionInput struct {
	SubjectID     string `json:"subject_id" validate:"subject_id"`
	SourceAddress string `json:"-"`
}

// Response is the generic answer to a deletion request.
type Response struct {
	Message string `json:"message"`
}

// ConfirmInput confirms a deletion request with the mailed token.
type ConfirmInput struct {
	SubjectID     string `json:"subject_id" validate:"subject_id"`
	Token         string `json:"token" validate:"required,deletion_token"`
	SourceAddress string `json:"-"`
}

// ConfirmResponse reports a completed deletion.
type ConfirmResponse struct {
	Message     string                    `json:"message"`
	Status      compliance.DeletionStatus `json:"status"`
	Branch      compliance.DeletionBranch `json:"branch"`
	CompletedAt time.Time                 `json:"completed_at"`
}

// Workflow implements subject access and erasure requests.
type Workflow struct {
	cfg        Config
	store      compliance.SubjectStore
	tokens     compliance.TokenStore
	hold       LegalHold
	ledger     *ledger.Ledger
	aggregator *Aggregator
	crm        crm.Client
	notifier   notify.Sender
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time
	logger     *slog.Logger

	// verify and decoyHash give every rejected confirmation one bcrypt
	// comparison at the configured cost.
	verify    func(token, hash string) error
	decoyHash string
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Store      compliance.SubjectStore
	Tokens     compliance.TokenStore
	Hold       LegalHold
	Ledger     *ledger.Ledger
	Aggregator *Aggregator
	CRM        crm.Client
	Notifier   notify.Sender
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithWorkflowClock overrides the time source.
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) { w.now = now }
}

// WithWorkflowMetrics reports request outcomes to m.
func WithWorkflowMetrics(m Metrics) WorkflowOption {
	return func(w *Workflow) {
		if m != nil {
			w.metrics = m
		}
	}
}

// NewWorkflow creates a workflow.
func NewWorkflow(cfg Config, deps Deps, opts ...WorkflowOption) (*Workflow, error) {
	if deps.Store == nil || deps.Tokens == nil || deps.Hold == nil || deps.Ledger == nil || deps.Aggregator == nil {
		return nil, errors.New("subject: store, tokens, legal hold, ledger and aggregator are required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("subject: notification sender is required")
	}
	if !strings.Contains(cfg.ConfirmURLTemplate, "{token}") {
		return nil, errors.New("subject: confirm URL template must contain {token}")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = compliance.DeletionTokenTTL
	}
	if cfg.CRMTimeout <= 0 {
		cfg.CRMTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if deps.CRM == nil {
		deps.CRM = crm.NopClient{}
	}

	decoy, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	decoyHash, err := HashToken(decoy, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	w := &Workflow{
		cfg:        cfg,
		store:      deps.Store,
		tokens:     deps.Tokens,
		hold:       deps.Hold,
		ledger:     deps.Ledger,
		aggregator: deps.Aggregator,
		crm:        deps.CRM,
		notifier:   deps.Notifier,
		metrics:    nopMetrics{},
		tracer:     otel.Tracer("mercator-hq/custodian/subject"),
		now:        time.Now,
		logger:     slog.Default().With("component", "subject.workflow"),
		verify:     VerifyToken,
		decoyHash:  decoyHash,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Workflow) observe(op string, start time.Time, span trace.Span, err *error) {
	outcome := OutcomeOK
	var verr *compliance.ValidationError
	var cerr *compliance.ConfirmationError
	switch {
	case *err == nil:
	case errors.As(*err, &verr):
		outcome = OutcomeInvalid
	case errors.As(*err, &cerr):
		outcome = OutcomeRejected
	default:
		outcome = OutcomeError
		tracing.SetStatus(span, *err)
	}
	span.SetAttributes(attribute.String(tracing.AttrOutcome, outcome))
	span.End()
	w.metrics.SubjectRequest(op, outcome, time.Since(start))
}

// Export collects, renders and logs a copy of the subject's data. An unknown
// subject yields an empty export, not an error.
func (w *Workflow) Export(ctx context.Context, req ExportRequest) (result *ExportResult, err error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "subject.export", trace.WithAttributes(attribute.String(tracing.AttrFormat, string(req.Format))))
	defer w.observe(OpExport, start, span, &err)

	if req.Format == "" {
		req.Format = compliance.FormatStructured
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	data, err := w.aggregator.Collect(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	result = &ExportResult{SubjectID: req.SubjectID, Format: req.Format, Data: data}
	switch req.Format {
	case compliance.FormatFlat:
		result.ContentType = ContentTypeCSV
		result.Body, err = RenderFlat(data)
	default:
		result.ContentType = ContentTypeJSON
		result.Body, err = RenderStructured(data)
	}
	if err != nil {
		return nil, err
	}

	detail := compliance.ExportDetail{
		Format:        req.Format,
		Found:         data.Found,
		Orders:        len(data.Orders),
		CartSessions:  len(data.CartSessions),
		Subscriptions: len(data.Subscriptions),
		AuditEntries:  len(data.AuditEntries),
	}
	if data.CRM != nil {
		detail.CRMError = data.CRM.Error
	}
	// Exports of unknown subjects are audited without linking them to the id,
	// so repeated lookups cannot make the subject appear known.
	actor, source := req.SubjectID, req.SourceAddress
	if !data.Found {
		actor, source = compliance.ActorSystem, ""
	}
	if _, err := w.ledger.Record(ctx, actor, compliance.AuditDataExport, ObjectSubjectData, detail, source); err != nil {
		return nil, err
	}

	w.logger.Info("subject data exported", "format", req.Format, "found", data.Found, "bytes", len(result.Body))
	return result, nil
}

// RequestDeletion issues a confirmation token and mails it to the subject.
// Any earlier pending request is replaced. Unknown subjects get the same
// response and nothing is stored, sent or logged to the ledger.
func (w *Workflow) RequestDeletion(ctx context.Context, in DeletionInput) (resp *Response, err error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "subject.request_deletion")
	defer w.observe(OpRequestDeletion, start, span, &err)

	if err := validate(in); err != nil {
		return nil, err
	}
	resp = &Response{Message: RequestedMessage}

	profile, err := w.store.GetProfile(ctx, in.SubjectID)
	if errors.Is(err, compliance.ErrNotFound) || (err == nil && profile.Anonymized) {
		w.logger.Debug("deletion requested for unknown subject")
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	hash, err := HashToken(token, w.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()
	request := &compliance.DeletionRequest{
		SubjectID: in.SubjectID,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(w.cfg.TokenTTL),
	}
	if err := w.tokens.PutDeletionRequest(ctx, request); err != nil {
		return nil, err
	}

	detail := compliance.DeletionRequestDetail{ExpiresAt: request.ExpiresAt}
	if err := w.sendConfirmation(ctx, profile.Email, in.SubjectID, token, request.ExpiresAt); err != nil {
		detail.NotificationError = err.Error()
		w.logger.Warn("deletion confirmation could not be sent", "error", err)
	}

	if _, err := w.ledger.Record(ctx, in.SubjectID, compliance.AuditDeletionRequested, ObjectDeletionRequest, detail, in.SourceAddress); err != nil {
		return nil, err
	}
	return resp, nil
}

func (w *Workflow) sendConfirmation(ctx context.Context, email, subjectID, token string, expires time.Time) error {
	link := strings.NewReplacer(
		"{subject}", url.QueryEscape(subjectID),
		"{token}", url.QueryEscape(token),
	).Replace(w.cfg.ConfirmURLTemplate)

	body := fmt.Sprintf("We received a request to erase your personal data.\n\n"+
		"Confirm it by opening this link before %s:\n\n%s\n\n"+
		"If you did not ask for this, ignore this message.\n",
		expires.Format(time.RFC1123), link)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()
	if err := w.notifier.Send(ctx, email, "Confirm your data deletion request", body); err != nil {
		return compliance.NewCollaboratorError("notify", "send", err)
	}
	return nil
}

// ConfirmDeletion verifies the token and executes the erasure. Missing,
// expired and mismatched tokens all yield the same ConfirmationError.
func (w *Workflow) ConfirmDeletion(ctx context.Context, in ConfirmInput) (resp *ConfirmResponse, err error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "subject.confirm_deletion")
	defer w.observe(OpConfirmDeletion, start, span, &err)

	if err := validate(in); err != nil {
		return nil, err
	}

	request, err := w.tokens.GetDeletionRequest(ctx, in.SubjectID)
	if errors.Is(err, compliance.ErrNotFound) {
		_ = w.verify(in.Token, w.decoyHash)
		return nil, compliance.NewConfirmationError(errRequestMissing)
	}
	if err != nil {
		return nil, err
	}

	// The hash is always compared before expiry is looked at, so missing,
	// expired and mismatched tokens cost the same.
	status := compliance.DeletionRequested
	verr := w.verify(in.Token, request.TokenHash)
	if request.Expired(w.now()) {
		status, _ = status.Transition(compliance.DeletionExpired)
		w.logger.Info("deletion confirmation rejected", "status", status)
		return nil, compliance.NewConfirmationError(errRequestExpired)
	}
	if verr != nil {
		status, _ = status.Transition(compliance.DeletionRejected)
		w.logger.Info("deletion confirmation rejected", "status", status)
		return nil, compliance.NewConfirmationError(verr)
	}

	consumed, err := w.tokens.ConsumeDeletionRequest(ctx, in.SubjectID, request.TokenHash)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, compliance.NewConfirmationError(errRequestSuperseded)
	}

	if status, err = status.Transition(compliance.DeletionConfirmed); err != nil {
		return nil, err
	}
	if status, err = status.Transition(compliance.DeletionExecuting); err != nil {
		return nil, err
	}

	outcome, err := w.execute(ctx, in.SubjectID, request.IssuedAt)
	if err != nil {
		w.logger.Error("deletion execution failed", "status", status, "error", err)
		return nil, err
	}
	if status, err = status.Transition(compliance.DeletionDone); err != nil {
		return nil, err
	}

	return &ConfirmResponse{
		Message:     CompletedMessage,
		Status:      status,
		Branch:      outcome.Branch,
		CompletedAt: w.now().UTC(),
	}, nil
}

// execute erases the subject. Orders under legal hold are kept and the
// profile is anonymized; otherwise carts and the profile are deleted.
func (w *Workflow) execute(ctx context.Context, subjectID string, requestedAt time.Time) (*compliance.DeletionOutcome, error) {
	ctx, span := w.tracer.Start(ctx, "subject.execute_deletion")
	defer span.End()

	outcome := &compliance.DeletionOutcome{CRM: compliance.CRMSkipped, RequestedAt: requestedAt.UTC()}

	profile, err := w.store.GetProfile(ctx, subjectID)
	if err != nil && !errors.Is(err, compliance.ErrNotFound) {
		return nil, err
	}

	held, err := w.hold.UnderLegalHold(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	if held {
		outcome.Branch = compliance.BranchAnonymize
		if outcome.OrdersRetained, err = w.store.CountOrders(ctx, subjectID); err != nil {
			return nil, err
		}
		if profile != nil {
			if err := w.store.AnonymizeProfile(ctx, subjectID, sentinelEmail(), w.now().UTC()); err != nil && !errors.Is(err, compliance.ErrNotFound) {
				return nil, err
			}
		}
	} else {
		outcome.Branch = compliance.BranchDelete
		if outcome.CartSessionsDeleted, err = w.store.DeleteCartSessions(ctx, subjectID); err != nil {
			return nil, err
		}
		if err := w.store.DeleteProfile(ctx, subjectID); err != nil && !errors.Is(err, compliance.ErrNotFound) {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String(tracing.AttrBranch, string(outcome.Branch)))

	if outcome.SubscriptionsDeleted, err = w.store.DeleteSubscriptions(ctx, subjectID); err != nil {
		return nil, err
	}

	if w.cfg.DeleteCRMContact && profile != nil && profile.CRMContactID != "" {
		crmCtx, cancel := context.WithTimeout(ctx, w.cfg.CRMTimeout)
		err := w.crm.DeleteContact(crmCtx, profile.CRMContactID)
		cancel()
		if err != nil {
			outcome.CRM = compliance.CRMFailed
			outcome.CRMError = compliance.NewCollaboratorError("crm", "delete_contact", err).Error()
			w.logger.Warn("crm contact deletion failed", "error", err)
		} else {
			outcome.CRM = compliance.CRMDeleted
		}
	}

	if outcome.LedgerRewritten, err = w.ledger.AnonymizeForSubject(ctx, subjectID); err != nil {
		return nil, err
	}

	if _, err := w.ledger.Record(ctx, compliance.ActorSystem, compliance.AuditDeletionCompleted, ObjectSubject, *outcome, ""); err != nil {
		return nil, err
	}

	w.logger.Info("subject erased",
		"branch", outcome.Branch,
		"orders_retained", outcome.OrdersRetained,
		"cart_sessions_deleted", outcome.CartSessionsDeleted,
		"subscriptions_deleted", outcome.SubscriptionsDeleted,
		"ledger_rewritten", outcome.LedgerRewritten,
		"crm", outcome.CRM,
	)
	return outcome, nil
}

// sentinelEmail is an address that can never be delivered to or linked back
// to the subject.
func sentinelEmail() string {
	return "anonymized-" + strings.ReplaceAll(uuid.NewString(), "-", "") + "@invalid"
}
