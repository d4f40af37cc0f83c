// Package libpatch orchestrates patch generation and sandbox testing: it
// turns an enriched finding into a validated PatchArtifact via an LLM
// backend, and exercises stored artifacts inside digital-twin sandboxes.
package libpatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/internal/dedup"
	llmdriver "github.com/salvus/salve/llm/driver"
	"github.com/salvus/salve/prompt"
	"github.com/salvus/salve/sandbox"
	"github.com/salvus/salve/scanner/driver"
	"github.com/salvus/salve/scriptcheck"
)

// Generation parameters. Temperature is kept low: remediation scripts want
// reproducibility, not creativity.
const (
	genTemperature = 0.2
	genMaxTokens   = 4096
	genMaxRetries  = 3
)

// Options configures a Libpatch.
type Options struct {
	// the LLM backend. Required.
	Client llmdriver.Client
	// persistence for artifacts and test results. Required.
	Store datastore.Store
	// static validator. Nil gets a default Validator.
	Validator *scriptcheck.Validator
	// injection detector used during prompt assembly. Nil gets the
	// default (moderate) detector.
	Detector *prompt.Detector
	// sandbox harness; required only for TestPatch.
	Harness *sandbox.Harness
	// asset resolution for TestPatch; usually a scanner adapter.
	Assets driver.Adapter
	// model override passed to the provider. Empty uses the provider
	// default.
	Model string
}

// Libpatch is the patch-generation orchestrator.
type Libpatch struct {
	client    llmdriver.Client
	store     datastore.Store
	validator *scriptcheck.Validator
	builder   *prompt.Builder
	harness   *sandbox.Harness
	assets    driver.Adapter
	model     string
}

// New validates opts and returns a ready orchestrator.
func New(ctx context.Context, opts *Options) (*Libpatch, error) {
	if opts == nil || opts.Client == nil || opts.Store == nil {
		return nil, &salve.Error{
			Kind:    salve.ErrConfig,
			Op:      "libpatch.New",
			Message: "an LLM client and a store are required",
		}
	}
	v := opts.Validator
	if v == nil {
		v = &scriptcheck.Validator{}
	}
	l := &Libpatch{
		client:    opts.Client,
		store:     opts.Store,
		validator: v,
		builder:   &prompt.Builder{Detector: opts.Detector},
		harness:   opts.Harness,
		assets:    opts.Assets,
		model:     opts.Model,
	}
	zlog.Info(ctx).
		Str("provider", opts.Client.Name()).
		Msg("patch orchestrator configured")
	return l, nil
}

// GeneratePatch produces a validated PatchArtifact for the request's
// finding. The artifact is persisted on every path, including LLM failure,
// so every generation attempt is auditable.
func (l *Libpatch) GeneratePatch(ctx context.Context, req *salve.PatchRequest) (_ *salve.PatchArtifact, err error) {
	if req == nil || req.Finding == nil {
		return nil, &salve.Error{
			Kind:    salve.ErrValidation,
			Op:      "libpatch.Libpatch.GeneratePatch",
			Message: "a finding is required",
		}
	}
	ctx = zlog.ContextWithValues(ctx,
		"component", "libpatch/Libpatch.GeneratePatch",
		"cve", req.Finding.CVE)
	ctx, span := tracer.Start(ctx, "Libpatch.GeneratePatch",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate error")
			return
		}
		span.SetStatus(codes.Ok, "")
	}()

	if req.Strategy == salve.PatchStrategy(0) {
		req.Strategy = InferStrategy(req)
		zlog.Debug(ctx).Stringer("strategy", req.Strategy).Msg("strategy inferred")
	}

	now := time.Now().UTC()
	art := &salve.PatchArtifact{
		ID:        uuid.New(),
		FindingID: dedup.Key(&req.Finding.RawFinding),
		CVE:       req.Finding.CVE,
		Strategy:  req.Strategy,
		Model:     l.model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	msgs, err := l.builder.Build(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("prompt assembly: %w", err)
	}
	art.Prompt = renderPrompt(msgs)

	resp, err := llmdriver.GenerateWithRetry(ctx, l.client, &llmdriver.Request{
		Messages:    msgs,
		Temperature: genTemperature,
		MaxTokens:   genMaxTokens,
		Model:       l.model,
	}, genMaxRetries)
	if err != nil {
		// record the failed attempt; audit needs it even without a script.
		art.Validation = &salve.ValidationReport{
			Issues: []salve.ValidationIssue{{
				Severity:    salve.Critical,
				Description: "generation failed: " + err.Error(),
			}},
			CheckedAt: time.Now().UTC(),
		}
		art.Status = salve.PatchValidationFailed
		l.persist(ctx, art)
		generateCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "llm_error")))
		return art, fmt.Errorf("generation: %w", err)
	}
	art.RawResponse = resp.Content
	if resp.Model != "" {
		art.Model = resp.Model
	}
	art.Script = ExtractScript(resp.Content)

	if art.Script != "" {
		art.RollbackScript = l.generateRollback(ctx, art.Script)
	}

	rep, err := l.validator.Validate(ctx, art.Script)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	art.Validation = rep
	art.Confidence = Confidence(req.Finding.Severity, rep, art.Script)

	status := salve.PatchValidationFailed
	if rep.Valid {
		status = salve.PatchValidated
	}
	if err := art.SetStatus(status); err != nil {
		return nil, err
	}
	l.persist(ctx, art)

	generateCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", status.String())))
	zlog.Info(ctx).
		Stringer("patch_id", art.ID).
		Stringer("status", art.Status).
		Float64("confidence", art.Confidence).
		Float64("safety", rep.SafetyScore).
		Msg("patch generated")
	return art, nil
}

// generateRollback asks the backend to invert the just-produced script.
// Failure is tolerated: a missing rollback is recorded as empty and logged.
func (l *Libpatch) generateRollback(ctx context.Context, script string) string {
	msgs, err := l.builder.BuildRollback(script)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("rollback prompt assembly failed")
		return ""
	}
	resp, err := llmdriver.GenerateWithRetry(ctx, l.client, &llmdriver.Request{
		Messages:    msgs,
		Temperature: genTemperature,
		MaxTokens:   genMaxTokens,
		Model:       l.model,
	}, genMaxRetries)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("rollback generation failed")
		return ""
	}
	return ExtractScript(resp.Content)
}

// TestPatch loads a stored artifact, runs it inside a sandbox imitating
// asset assetID, and persists both the test and the artifact's new status.
func (l *Libpatch) TestPatch(ctx context.Context, patchID uuid.UUID, assetID string) (_ *salve.SandboxTest, err error) {
	const op = "libpatch.Libpatch.TestPatch"
	ctx = zlog.ContextWithValues(ctx,
		"component", "libpatch/Libpatch.TestPatch",
		"patch_id", patchID.String(),
		"asset_id", assetID)
	ctx, span := tracer.Start(ctx, "Libpatch.TestPatch",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "test error")
			return
		}
		span.SetStatus(codes.Ok, "")
	}()
	if l.harness == nil || l.assets == nil {
		return nil, &salve.Error{
			Kind:    salve.ErrConfig,
			Op:      op,
			Message: "a sandbox harness and an asset resolver are required",
		}
	}

	art, err := l.store.PatchByID(ctx, patchID)
	if err != nil {
		return nil, err
	}
	switch art.Status {
	case salve.PatchValidated, salve.PatchTestPending, salve.PatchTestPassed, salve.PatchTestFailed:
	default:
		return nil, &salve.Error{
			Kind:    salve.ErrValidation,
			Op:      op,
			Message: fmt.Sprintf("patch %v is %v, not testable", patchID, art.Status),
		}
	}

	asset, err := l.assets.AssetDetails(ctx, assetID)
	if err != nil {
		return nil, err
	}
	finding, err := l.store.FindingByCVE(ctx, art.CVE)
	if err != nil && !salve.IsKind(err, salve.ErrNotFound) {
		return nil, err
	}
	req := &salve.PatchRequest{
		Finding:        finding,
		OSFamily:       asset.OSFamily,
		OSVersion:      asset.OSVersion,
		PackageManager: asset.PackageManager,
		Strategy:       art.Strategy,
	}

	if err := art.SetStatus(salve.PatchTestPending); err != nil {
		return nil, err
	}
	if err := l.store.UpdatePatchStatus(ctx, art.ID, art.Status); err != nil {
		return nil, err
	}

	st, runErr := l.harness.Run(ctx, req, art, asset)

	final := salve.PatchTestFailed
	if runErr == nil && st.Status == salve.TestPassed {
		final = salve.PatchTestPassed
	}
	if err := art.SetStatus(final); err != nil {
		// the test_passed gate refused: the artifact does not meet the
		// confidence/safety bar even though the sandbox run passed.
		zlog.Warn(ctx).Err(err).Msg("demoting test verdict")
		final = salve.PatchTestFailed
		art.Status = final
	}
	if err := l.store.UpdatePatchStatus(ctx, art.ID, final); err != nil {
		return st, err
	}
	if st != nil {
		if err := l.store.SaveSandboxTest(ctx, st); err != nil {
			return st, err
		}
		testCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", st.Status.String())))
	}
	if runErr != nil {
		return st, runErr
	}
	zlog.Info(ctx).
		Stringer("test_id", st.ID).
		Stringer("status", st.Status).
		Stringer("patch_status", final).
		Msg("patch tested")
	return st, nil
}

// persist saves the artifact, logging rather than failing: a storage
// problem must not discard the generation result held by the caller.
func (l *Libpatch) persist(ctx context.Context, art *salve.PatchArtifact) {
	if err := l.store.SavePatch(ctx, art); err != nil {
		zlog.Error(ctx).
			Err(err).
			Stringer("patch_id", art.ID).
			Msg("patch persist failed")
	}
}

func renderPrompt(msgs []llmdriver.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
