package turn

// Stage is one unit of the turn pipeline. The orchestrator runs all enabled,
// applicable stages in ascending Order within every iteration; registration
// order breaks ties. A stage mutates the shared context in place and reports
// problems by returning an error; the orchestrator records it as a
// FailureEvent and continues with the next stage, so a failing stage degrades
// the turn instead of crashing it.
type Stage interface {
	Name() string
	Order() int
	// Enabled allows administrative disablement; disabled stages are
	// skipped without side effects.
	Enabled() bool
	// ShouldProcess lets a stage declare itself not applicable for this
	// context; skipped stages do not count as failures.
	ShouldProcess(c *Context) bool
	Process(c *Context) error
}

// StageDefaults provides the default Enabled/ShouldProcess behavior.
// Embed it in stages that are always on and always applicable.
type StageDefaults struct{}

// Enabled implements Stage.
func (StageDefaults) Enabled() bool { return true }

// ShouldProcess implements Stage.
func (StageDefaults) ShouldProcess(*Context) bool { return true }
