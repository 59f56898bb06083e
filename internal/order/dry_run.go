package order

// ExecutionMode controls real vs dry-run.
type ExecutionMode int

const (
	ModeProduction ExecutionMode = iota
	ModeDryRun
)

func (m ExecutionMode) String() string {
	if m == ModeDryRun {
		return "dry_run"
	}
	return "production"
}

// ModeFromFlag maps the DRY_RUN setting.
func ModeFromFlag(dryRun bool) ExecutionMode {
	if dryRun {
		return ModeDryRun
	}
	return ModeProduction
}

// dryRunOutcome stands in for a broker acknowledgement without calling out.
func dryRunOutcome(intent OrderIntent) Outcome {
	return Outcome{
		Success:  true,
		Message:  "dry run: not sent",
		Quantity: intent.Quantity,
		DryRun:   true,
	}
}
