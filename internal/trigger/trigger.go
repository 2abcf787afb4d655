// Package trigger implements the brevity trigger-word codebook scanned on
// every send (spec.md §4.5, §8 DAG smoke), grounded on
// original_source/auth.py::TRIGGER_WORDS and triggers.py.
package trigger

import "strings"

// Word is one recognized trigger with its meaning, shown in the onboarding
// codebook so agents know what scanning `send` for these words will do.
type Word struct {
	Word    string
	Meaning string
}

// Words is the fixed nine-entry codebook. Order matches
// original_source/auth.py::TRIGGER_WORDS.
var Words = []Word{
	{"fenix_down", "Request a context respawn for the sender — current knowledge will be preserved in a fenix-down record."},
	{"moon_crash", "Halt all new task assignments and claims fleet-wide until a lead clears it."},
	{"halt", "Request an immediate stop of in-flight work."},
	{"sitrep", "Request a situation report from the lead."},
	{"rally", "Request all agents regroup at a checkpoint."},
	{"retreat", "Request agents abandon current work and await instructions."},
	{"hot_zone", "Flag a zone as contended; agents should avoid concurrent edits there."},
	{"stand_down", "Signal every daemon to exit gracefully after its current turn."},
	{"recon", "Request investigation before further action is taken."},
}

// FlagSetters names the flags that Scan may raise.
const (
	FlagMoonCrash = "moon_crash"
	FlagStandDown = "stand_down"
)

// Scan finds which trigger words appear in text (case-insensitive plain
// substring match, so a word embedded in a longer one also counts,
// matching the original's simple substring scan) and returns the subset of Words.Word observed, plus the flags that
// must be set as a result.
func Scan(text string) (observed []string, flagsToSet []string) {
	low := strings.ToLower(text)
	for _, w := range Words {
		if strings.Contains(low, w.Word) {
			observed = append(observed, w.Word)
			switch w.Word {
			case "moon_crash":
				flagsToSet = append(flagsToSet, FlagMoonCrash)
			case "stand_down":
				flagsToSet = append(flagsToSet, FlagStandDown)
			}
		}
	}
	return observed, flagsToSet
}

// FormatCodebook renders the codebook as the onboarding text block shown
// to agents on register.
func FormatCodebook() string {
	var b strings.Builder
	b.WriteString("Trigger words (include in any message to flip a flag automatically):\n")
	for _, w := range Words {
		b.WriteString("  ")
		b.WriteString(w.Word)
		b.WriteString(" — ")
		b.WriteString(w.Meaning)
		b.WriteString("\n")
	}
	return b.String()
}
