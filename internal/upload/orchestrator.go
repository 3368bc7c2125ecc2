// Package upload moves a batch of local images to object storage through
// presigned URLs and confirms them with the receipts backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"receiptflow/internal/api"
	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
)

// Backend is the subset of the receipts API the orchestrator needs.
type Backend interface {
	PresignedURL(ctx context.Context, id core.Identity, f api.FileMeta) (core.PresignedSlot, error)
	PutObject(ctx context.Context, slot core.PresignedSlot, contentType string, body io.Reader, size int64) error
	Confirm(ctx context.Context, id core.Identity, files []core.ConfirmedFile) (*api.ConfirmResponse, error)
}

type Options struct {
	MaxBytes    int64
	Concurrency int
}

type Orchestrator struct {
	backend     Backend
	maxBytes    int64
	concurrency int
	logger      *applog.Logger
}

var ErrEmptyBatch = errors.New("no files selected")

func NewOrchestrator(backend Backend, opts Options, logger *applog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Orchestrator{
		backend:     backend,
		maxBytes:    opts.MaxBytes,
		concurrency: opts.Concurrency,
		logger:      logger.WithComponent(applog.ComponentUpload),
	}
}

// staged is a candidate moving through the slot and storage phases.
type staged struct {
	file core.UploadCandidate
	slot core.PresignedSlot
	err  error
}

// UploadBatch validates, uploads and confirms files in three barrier-separated
// phases. A file failing validation, slot acquisition or the storage write is
// dropped from the batch without affecting the others. When no file survives,
// the returned error wraps the failure of the last file eliminated; the
// partial result is returned alongside it so rejections can be shown.
func (o *Orchestrator) UploadBatch(ctx context.Context, files []core.UploadCandidate, id core.Identity) (*core.BatchResult, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("upload batch: %w", err)
	}
	defer func() {
		for _, f := range files {
			f.Drop()
		}
	}()

	result := &core.BatchResult{}

	var valid []*staged
	for _, f := range files {
		if err := o.validate(f); err != nil {
			o.logger.Warn("File rejected", applog.NewFields().
				WithOperation(applog.OpValidate).
				WithFile(f.Name, f.Size).
				WithError(err).ToSlice()...)
			result.Rejected = append(result.Rejected, core.FileFailure{CandidateID: f.ID, Name: f.Name, Err: err})
			continue
		}
		valid = append(valid, &staged{file: f})
	}
	if len(valid) == 0 {
		return result, fmt.Errorf("upload batch: no file passed validation: %w", result.Rejected[len(result.Rejected)-1].Err)
	}

	o.run(ctx, valid, func(s *staged) {
		slot, err := o.backend.PresignedURL(ctx, id, api.FileMeta{Name: s.file.Name, ContentType: s.file.ContentType, Size: s.file.Size})
		if err != nil {
			s.err = &core.SlotAcquisitionError{File: s.file.Name, Err: err}
			return
		}
		s.slot = slot
	})
	valid = o.collectFailures(result, valid, applog.OpPresign)
	if len(valid) == 0 {
		return result, fmt.Errorf("upload batch: no upload slot acquired: %w", result.Failed[len(result.Failed)-1].Err)
	}

	o.run(ctx, valid, func(s *staged) {
		if err := o.put(ctx, s); err != nil {
			s.err = &core.StorageWriteError{File: s.file.Name, Err: err}
		}
	})
	valid = o.collectFailures(result, valid, applog.OpPut)
	if len(valid) == 0 {
		return result, fmt.Errorf("upload batch: no file reached storage: %w", result.Failed[len(result.Failed)-1].Err)
	}

	confirmed := make([]core.ConfirmedFile, 0, len(valid))
	for _, s := range valid {
		confirmed = append(confirmed, core.ConfirmedFile{
			FileKey:      s.slot.FileKey,
			OriginalName: s.file.Name,
			FileSize:     s.file.Size,
		})
	}

	resp, err := o.backend.Confirm(ctx, id, confirmed)
	if err != nil {
		o.logger.Error("Batch confirmation failed", applog.NewFields().
			WithOperation(applog.OpConfirm).
			WithError(err).ToSlice()...)
		return result, &core.ConfirmError{Files: len(confirmed), Err: err}
	}
	if resp.TotalUploaded != len(confirmed) || len(resp.Receipts) != len(confirmed) {
		o.logger.Error("Batch partially confirmed",
			applog.FieldOperation, applog.OpConfirm,
			"sent", len(confirmed),
			"total_uploaded", resp.TotalUploaded,
			"receipts", len(resp.Receipts))
		return result, &core.ConfirmError{
			Files: len(confirmed),
			Err:   fmt.Errorf("%w: %d of %d files, %d records", core.ErrPartialConfirm, resp.TotalUploaded, len(confirmed), len(resp.Receipts)),
		}
	}

	result.Message = resp.Message
	result.Receipts = resp.Receipts
	result.TotalUploaded = resp.TotalUploaded
	result.RemainingUploads = resp.RemainingUploads
	result.SignupPrompt = resp.SignupPrompt

	o.logger.Info("Batch uploaded",
		"uploaded", result.TotalUploaded,
		"rejected", len(result.Rejected),
		"failed", len(result.Failed))
	return result, nil
}

func (o *Orchestrator) validate(f core.UploadCandidate) error {
	if !strings.HasPrefix(f.ContentType, "image/") {
		return &core.ValidationError{File: f.Name, Reason: fmt.Sprintf("unsupported type %q, only images are accepted", f.ContentType)}
	}
	if f.Size <= 0 {
		return &core.ValidationError{File: f.Name, Reason: "file is empty"}
	}
	if o.maxBytes > 0 && f.Size > o.maxBytes {
		return &core.ValidationError{File: f.Name, Reason: fmt.Sprintf("file is %d bytes, limit is %d", f.Size, o.maxBytes)}
	}
	return nil
}

func (o *Orchestrator) put(ctx context.Context, s *staged) error {
	if s.file.Open == nil {
		return core.ErrNoReader
	}
	body, err := s.file.Open()
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer body.Close()
	return o.backend.PutObject(ctx, s.slot, s.file.ContentType, body, s.file.Size)
}

// run applies fn to every staged file with bounded parallelism and returns
// once all calls finished. Errors are recorded on the staged value so one
// file never cancels another.
func (o *Orchestrator) run(ctx context.Context, files []*staged, fn func(*staged)) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, s := range files {
		s := s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				s.err = err
				return nil
			}
			fn(s)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) collectFailures(result *core.BatchResult, files []*staged, op string) []*staged {
	kept := files[:0]
	for _, s := range files {
		if s.err == nil {
			kept = append(kept, s)
			continue
		}
		o.logger.Warn("File dropped from batch", applog.NewFields().
			WithOperation(op).
			WithFile(s.file.Name, s.file.Size).
			WithError(s.err).ToSlice()...)
		result.Failed = append(result.Failed, core.FileFailure{CandidateID: s.file.ID, Name: s.file.Name, Err: s.err})
	}
	return kept
}
