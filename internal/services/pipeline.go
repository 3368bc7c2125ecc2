package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"receiptflow/internal/amqp"
	"receiptflow/internal/api"
	"receiptflow/internal/core"
	"receiptflow/internal/identity"
	applog "receiptflow/internal/log"
	"receiptflow/internal/notify"
	"receiptflow/internal/poller"
	"receiptflow/internal/quota"
	"receiptflow/internal/upload"
)

// Backend is everything the pipeline asks of the receipts API.
type Backend interface {
	upload.Backend
	poller.StatusFetcher
	ListAnonymous(ctx context.Context, sessionID string) (*api.AnonymousList, error)
	Usage(ctx context.Context, id core.Identity) (*core.Usage, error)
}

// Mirror keeps the local copy of tracked receipts.
type Mirror interface {
	SaveReceipt(ctx context.Context, owner string, rec core.ProcessingRecord, state core.TrackState) error
	ListReceipts(ctx context.Context, owner string, limit int) ([]core.TrackedReceipt, error)
	ForgetOwner(ctx context.Context, owner string) error
}

// Publisher announces settled receipts to other processes.
type Publisher interface {
	PublishReceiptSettled(ctx context.Context, msg *amqp.ReceiptSettledMessage) error
}

var ErrNoMethod = errors.New("choose an upload method: camera or file")

type Config struct {
	MaxUploadBytes    int64
	UploadConcurrency int
	AnonymousPool     int
	PollInterval      time.Duration
	PollMaxAttempts   int
}

// Pipeline wires identity, upload, quota, polling and notifications for one
// user-facing session.
type Pipeline struct {
	resolver     *identity.Resolver
	backend      Backend
	orchestrator *upload.Orchestrator
	reconciler   quota.Reconciler
	sink         *notify.Sink
	mirror       Mirror
	publisher    Publisher
	config       Config
	logger       *applog.Logger

	mu          sync.Mutex
	quota       core.QuotaState
	poller      *poller.Poller
	pollerOwner string
	active      *poller.Handle
}

func NewPipeline(
	resolver *identity.Resolver,
	backend Backend,
	sink *notify.Sink,
	mirror Mirror,
	publisher Publisher,
	config Config,
	logger *applog.Logger,
) *Pipeline {
	reconciler := quota.NewReconciler(config.AnonymousPool)
	return &Pipeline{
		resolver: resolver,
		backend:  backend,
		orchestrator: upload.NewOrchestrator(backend, upload.Options{
			MaxBytes:    config.MaxUploadBytes,
			Concurrency: config.UploadConcurrency,
		}, logger),
		reconciler: reconciler,
		sink:       sink,
		mirror:     mirror,
		publisher:  publisher,
		config:     config,
		logger:     logger.WithComponent(applog.ComponentApp),
		quota:      reconciler.Initial(),
	}
}

// UploadOutcome is what the CLI renders after an upload attempt.
type UploadOutcome struct {
	Identity       core.Identity
	Result         *core.BatchResult
	Quota          core.QuotaState
	SignupRequired bool
}

func (p *Pipeline) Identity(ctx context.Context) (core.Identity, error) {
	return p.resolver.Resolve(ctx)
}

func (p *Pipeline) Sink() *notify.Sink {
	return p.sink
}

// Collect turns the chosen upload method into candidates.
func (p *Pipeline) Collect(method core.UploadMethod, stdin io.Reader) ([]core.UploadCandidate, error) {
	switch m := method.(type) {
	case core.MethodChoose:
		return nil, ErrNoMethod
	case core.MethodCamera:
		return p.capture(m, stdin)
	case core.MethodFile:
		if len(m.Paths) == 0 {
			return nil, upload.ErrEmptyBatch
		}
		return upload.FromPaths(m.Paths)
	default:
		return nil, fmt.Errorf("unsupported upload method %s", method)
	}
}

func (p *Pipeline) capture(m core.MethodCamera, stdin io.Reader) ([]core.UploadCandidate, error) {
	name := fmt.Sprintf("capture-%d.jpg", time.Now().Unix())
	src := stdin
	if m.Device != "" && m.Device != "-" {
		f, err := os.Open(m.Device)
		if err != nil {
			return nil, fmt.Errorf("open capture device: %w", err)
		}
		defer f.Close()
		src = f
		name = filepath.Base(m.Device)
	}
	if src == nil {
		return nil, errors.New("no capture input")
	}
	c, err := upload.FromReader(name, src, p.config.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	return []core.UploadCandidate{c}, nil
}

// Upload collects, uploads and confirms a batch, emitting flashes for the
// outcome. A quota error sets SignupRequired on the returned outcome.
func (p *Pipeline) Upload(ctx context.Context, method core.UploadMethod, stdin io.Reader) (*UploadOutcome, error) {
	id, err := p.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	out := &UploadOutcome{Identity: id}

	files, err := p.Collect(method, stdin)
	if err != nil {
		p.sink.Add(notify.Error, err.Error())
		return out, err
	}

	res, err := p.orchestrator.UploadBatch(ctx, files, id)
	out.Result = res
	if res != nil {
		for _, f := range res.Rejected {
			p.sink.Add(notify.Warning, f.Err.Error())
		}
		for _, f := range res.Failed {
			p.sink.Add(notify.Error, f.Err.Error())
		}
	}

	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if next, limited := p.reconciler.FromConfirmError(p.quota, err); limited {
			p.quota = next
			out.Quota = next
			out.SignupRequired = true
			p.sink.Add(notify.Warning, next.SignupPrompt)
			return out, err
		}
		out.Quota = p.quota
		p.sink.Add(notify.Error, "Upload failed: "+err.Error())
		return out, err
	}

	p.mu.Lock()
	p.quota = p.reconciler.FromConfirm(p.quota, res)
	out.Quota = p.quota
	p.mu.Unlock()

	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("Uploaded %d receipt(s)", res.TotalUploaded)
	}
	p.sink.Add(notify.Success, msg)

	if p.mirror != nil {
		for _, rec := range res.Receipts {
			if err := p.mirror.SaveReceipt(ctx, id.Owner(), rec, rec.Status.TrackState()); err != nil {
				p.logger.WarnContext(ctx, "Failed to mirror uploaded receipt", "receipt_id", rec.ID, "error", err)
			}
		}
	}

	// re-fetch the counters after the mutation
	if !id.Authenticated() {
		q, _, err := p.RefreshQuota(ctx, id)
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to refresh quota after upload", "error", err)
		} else {
			out.Quota = q
		}
	}
	return out, nil
}

// RefreshQuota reloads the server counters. Authenticated identities also get
// their monthly usage.
func (p *Pipeline) RefreshQuota(ctx context.Context, id core.Identity) (core.QuotaState, *core.Usage, error) {
	if id.Authenticated() {
		usage, err := p.backend.Usage(ctx, id)
		if err != nil {
			return p.Quota(), nil, fmt.Errorf("get usage: %w", err)
		}
		return p.Quota(), usage, nil
	}

	list, err := p.backend.ListAnonymous(ctx, id.SessionID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.quota = p.reconciler.FromListError(p.quota, err)
		if core.IsUnauthorized(err) {
			return p.quota, nil, nil
		}
		return p.quota, nil, fmt.Errorf("list anonymous receipts: %w", err)
	}
	p.quota = p.reconciler.FromList(list)
	return p.quota, nil, nil
}

func (p *Pipeline) Quota() core.QuotaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quota
}

// Track polls ids for id. A new call cancels the cycle still running.
func (p *Pipeline) Track(ctx context.Context, id core.Identity, ids []int64, onAllSettled func(poller.Summary)) *poller.Handle {
	p.mu.Lock()
	if p.poller == nil || p.pollerOwner != id.Owner() {
		if p.active != nil {
			p.active.Cancel()
		}
		p.poller = poller.New(p.backend, id, p.sink, poller.Options{
			Interval:    p.config.PollInterval,
			MaxAttempts: p.config.PollMaxAttempts,
			Hook:        p.settled(id.Owner()),
		}, p.logger)
		p.pollerOwner = id.Owner()
	}
	pl := p.poller
	p.mu.Unlock()

	h := pl.Track(ctx, ids, onAllSettled)

	p.mu.Lock()
	p.active = h
	p.mu.Unlock()
	return h
}

func (p *Pipeline) settled(owner string) poller.SettledHook {
	return func(ctx context.Context, rec core.ProcessingRecord, st core.TrackState) {
		if p.mirror != nil {
			if err := p.mirror.SaveReceipt(ctx, owner, rec, st); err != nil {
				p.logger.ErrorContext(ctx, "Failed to mirror settled receipt", "receipt_id", rec.ID, "error", err)
			}
		}
		if p.publisher == nil {
			p.logger.DebugContext(ctx, "AMQP client not available, skipping settled message")
			return
		}
		if err := p.publisher.PublishReceiptSettled(ctx, amqp.NewReceiptSettledMessage(rec.ID, owner, st)); err != nil {
			// the export outbox still has the receipt
			p.logger.ErrorContext(ctx, "Failed to publish settled message", "receipt_id", rec.ID, "error", err)
		}
	}
}

// History lists the locally mirrored receipts of id, newest first.
func (p *Pipeline) History(ctx context.Context, id core.Identity, limit int) ([]core.TrackedReceipt, error) {
	if p.mirror == nil {
		return nil, nil
	}
	return p.mirror.ListReceipts(ctx, id.Owner(), limit)
}

func (p *Pipeline) Login(ctx context.Context, token string, user core.User) error {
	return p.resolver.Login(ctx, token, user)
}

// Logout drops the token, the cached profile and the receipts mirrored for
// the account, so the next login starts from a clean slate.
func (p *Pipeline) Logout(ctx context.Context) error {
	id, err := p.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	p.cancelActive()
	if id.Authenticated() && p.mirror != nil {
		if err := p.mirror.ForgetOwner(ctx, id.Owner()); err != nil {
			return fmt.Errorf("forget receipts: %w", err)
		}
	}
	return p.resolver.Logout(ctx)
}

// ForgetAll removes every trace of the current identity: mirrored receipts,
// the token, the cached profile and the anonymous session.
func (p *Pipeline) ForgetAll(ctx context.Context) error {
	id, err := p.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	p.cancelActive()
	if p.mirror != nil {
		if err := p.mirror.ForgetOwner(ctx, id.Owner()); err != nil {
			return fmt.Errorf("forget receipts: %w", err)
		}
	}
	if err := p.resolver.Logout(ctx); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}

	p.mu.Lock()
	p.quota = p.reconciler.Initial()
	p.mu.Unlock()
	p.sink.Clear()
	return nil
}

func (p *Pipeline) cancelActive() {
	p.mu.Lock()
	h := p.active
	p.active = nil
	p.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}
