package sanitize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentwarden/ai-gateway-agent/internal/detect"
)

// Expressions are compiled case-insensitive.
var defaultInjectionPatterns = []Pattern{
	// Instruction override
	{ID: "ignore_previous_instructions", Expr: `ignore\s+(all\s+)?previous\s+instructions?`, Level: "critical"},
	{ID: "ignore_prior_instructions", Expr: `ignore\s+(all\s+)?prior\s+instructions?`, Level: "critical"},
	{ID: "disregard_previous", Expr: `disregard\s+(all\s+)?previous`, Level: "critical"},
	{ID: "forget_instructions", Expr: `forget\s+(all\s+)?(your\s+)?instructions?`, Level: "high"},
	{ID: "override_instructions", Expr: `override\s+(your\s+)?instructions?`, Level: "high"},

	// Injected instructions
	{ID: "new_instructions", Expr: `new\s+instructions?:`, Level: "high"},
	{ID: "updated_instructions", Expr: `updated\s+instructions?:`, Level: "high"},
	{ID: "system_prompt_label", Expr: `system\s+prompt:`, Level: "high"},
	{ID: "system_bracket", Expr: `\[system\]`, Level: "high"},
	{ID: "system_override", Expr: `\bsystem\s*:\s*you\s+are\b`, Level: "critical"},

	// Role manipulation
	{ID: "you_are_now", Expr: `you\s+are\s+now\s+a`, Level: "high"},
	{ID: "act_as_if", Expr: `act\s+as\s+if\s+you`, Level: "medium"},
	{ID: "pretend_to_be", Expr: `pretend\s+(to\s+be|you\s+are)`, Level: "medium"},
	{ID: "roleplay_as", Expr: `roleplay\s+as`, Level: "medium"},
	{ID: "simulate_being", Expr: `simulate\s+being`, Level: "medium"},

	// Prompt extraction
	{ID: "reveal_system_prompt", Expr: `reveal\s+(your\s+)?system\s+prompt`, Level: "high"},
	{ID: "show_instructions", Expr: `show\s+(me\s+)?(your\s+)?instructions`, Level: "medium"},
	{ID: "ask_system_prompt", Expr: `what\s+(are|is)\s+(your\s+)?system\s+prompt`, Level: "medium"},
	{ID: "print_initial_prompt", Expr: `print\s+(your\s+)?initial\s+prompt`, Level: "high"},

	// Context manipulation
	{ID: "end_of_system_prompt", Expr: `end\s+of\s+system\s+prompt`, Level: "high"},
	{ID: "system_tag", Expr: `</?(system|instructions?)>`, Level: "high"},
	{ID: "inst_tag", Expr: `\[/?INST\]`, Level: "high"},
	{ID: "sys_marker", Expr: `<<SYS>>`, Level: "high"},

	// Hidden payloads and exfiltration
	{ID: "hidden_text", Expr: `\x{200B}|\x{200C}|\x{200D}|\x{FEFF}`, Level: "medium"},
	{ID: "exfiltration", Expr: `\b(send|post|upload|transmit|forward)\s+.{0,30}(credentials?|passwords?|api\s+keys?|secrets?)\s+to\b`, Level: "critical"},
}

var defaultJailbreakPatterns = []Pattern{
	// DAN and variants
	{ID: "dan", Expr: `\bDAN\b`, Level: "critical"},
	{ID: "do_anything_now", Expr: `do\s+anything\s+now`, Level: "critical"},
	{ID: "stan", Expr: `\bSTAN\b`, Level: "high"},
	{ID: "dude", Expr: `\bDUDE\b`, Level: "medium"},

	// Explicit jailbreak
	{ID: "jailbreak", Expr: `jail\s*break`, Level: "critical"},
	{ID: "unlock_potential", Expr: `unlock\s+your\s+(full\s+)?potential`, Level: "medium"},

	// Privileged modes
	{ID: "developer_mode", Expr: `developer\s+mode`, Level: "high"},
	{ID: "debug_mode", Expr: `debug\s+mode`, Level: "medium"},
	{ID: "maintenance_mode", Expr: `maintenance\s+mode`, Level: "medium"},
	{ID: "sudo_mode", Expr: `sudo\s+mode`, Level: "high"},
	{ID: "god_mode", Expr: `god\s+mode`, Level: "high"},
	{ID: "admin_mode", Expr: `admin\s+mode`, Level: "high"},

	// Bypass
	{ID: "bypass_programming", Expr: `bypass\s+(your\s+)?programming`, Level: "high"},
	{ID: "bypass_restrictions", Expr: `bypass\s+(your\s+)?restrictions`, Level: "high"},
	{ID: "bypass_filters", Expr: `bypass\s+(your\s+)?filters`, Level: "high"},
	{ID: "bypass_safety", Expr: `bypass\s+(your\s+)?safety`, Level: "critical"},
	{ID: "bypass_guidelines", Expr: `bypass\s+(your\s+)?guidelines`, Level: "high"},
	{ID: "circumvent_rules", Expr: `circumvent\s+(your\s+)?rules`, Level: "high"},

	// Ethics bypass
	{ID: "ignore_ethics", Expr: `ignore\s+(your\s+)?ethical`, Level: "high"},
	{ID: "ignore_morals", Expr: `ignore\s+(your\s+)?moral`, Level: "high"},
	{ID: "ignore_safety", Expr: `ignore\s+(your\s+)?safety`, Level: "critical"},
	{ID: "without_restrictions", Expr: `without\s+(any\s+)?restrictions`, Level: "medium"},
	{ID: "no_limitations", Expr: `no\s+limitations`, Level: "medium"},
	{ID: "unrestricted_mode", Expr: `unrestricted\s+mode`, Level: "high"},

	// Hypothetical framing
	{ID: "hypothetically_speaking", Expr: `hypothetically\s+speaking`, Level: "low"},
	{ID: "hypothetical_scenario", Expr: `in\s+a\s+hypothetical\s+scenario`, Level: "low"},
	{ID: "educational_purposes", Expr: `for\s+educational\s+purposes\s+only`, Level: "low"},
	{ID: "research_purposes", Expr: `for\s+research\s+purposes`, Level: "low"},
	{ID: "purely_academic", Expr: `purely\s+academic`, Level: "low"},
	{ID: "in_fiction", Expr: `in\s+fiction`, Level: "low"},
	{ID: "in_a_novel", Expr: `in\s+a\s+novel`, Level: "low"},
	{ID: "in_a_movie", Expr: `in\s+a\s+movie`, Level: "low"},

	// Persona forcing
	{ID: "evil_persona", Expr: `evil\s+(twin|version|mode)`, Level: "high"},
	{ID: "dark_mode", Expr: `dark\s+mode`, Level: "low"},
	{ID: "uncensored_mode", Expr: `uncensored\s+(version|mode)`, Level: "high"},
	{ID: "unfiltered_mode", Expr: `unfiltered\s+(version|mode)`, Level: "high"},

	// Token markers
	{ID: "jailbreak_tag", Expr: `\[jailbreak\]`, Level: "critical"},
	{ID: "unlock_tag", Expr: `\[unlock\]`, Level: "high"},
	{ID: "unrestricted_tag", Expr: "\\[unrestricted\\]", Level: "high"},
	{ID: "jailbreak_fence", Expr: "```jailbreak", Level: "critical"},
}

// PatternsFile is the YAML layout of an operator pattern file.
type PatternsFile struct {
	PromptInjection []Pattern `yaml:"prompt_injection"`
	Jailbreak       []Pattern `yaml:"jailbreak"`
}

// LoadFile reads extra patterns from a YAML file and adds them to the
// engine. A pattern with an existing id replaces the built-in one.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read patterns file %s: %w", path, err)
	}

	var pf PatternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse patterns file %s: %w", path, err)
	}

	if err := e.Add(detect.CategoryPromptInjection, pf.PromptInjection); err != nil {
		return err
	}
	if err := e.Add(detect.CategoryJailbreak, pf.Jailbreak); err != nil {
		return err
	}

	e.logger.Info("loaded extra patterns",
		"path", path,
		"prompt_injection", len(pf.PromptInjection),
		"jailbreak", len(pf.Jailbreak),
	)
	return nil
}
