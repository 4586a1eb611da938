package ai

import "strings"

// Kind identifies the upstream vendor serving a model.
type Kind int

const (
	KindUnsupported Kind = iota
	KindOpenAI
	KindAnthropic
	KindGoogle
	KindDeepSeek
)

// Classify maps a display model name to its provider by name prefix.
func Classify(model string) Kind {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt"):
		return KindOpenAI
	case strings.HasPrefix(m, "claude"):
		return KindAnthropic
	case strings.HasPrefix(m, "gemini"):
		return KindGoogle
	case strings.HasPrefix(m, "deepseek"):
		return KindDeepSeek
	default:
		return KindUnsupported
	}
}

func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "OpenAI"
	case KindAnthropic:
		return "Anthropic"
	case KindGoogle:
		return "Google"
	case KindDeepSeek:
		return "DeepSeek"
	case KindUnsupported:
		return "Unsupported"
	}
	return "Unsupported"
}

// CredentialKey is the provider name keys are stored under.
func (k Kind) CredentialKey() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindAnthropic:
		return "anthropic"
	case KindGoogle:
		return "google"
	case KindDeepSeek:
		return "deepseek"
	case KindUnsupported:
		return ""
	}
	return ""
}

type modelTable struct {
	aliases  map[string]string
	fallback string
	vision   map[string]bool
}

var modelTables = map[Kind]modelTable{
	KindOpenAI: {
		aliases: map[string]string{
			"GPT-4o": "gpt-4o",
			"gpt-4o": "gpt-4o",
			"GPT-4":  "gpt-4",
			"gpt-4":  "gpt-4",
		},
		fallback: "gpt-3.5-turbo",
		vision:   map[string]bool{"gpt-4o": true, "gpt-4-vision-preview": true},
	},
	KindAnthropic: {
		aliases: map[string]string{
			"Claude 3.5 Sonnet": "claude-3-5-sonnet-20241022",
			"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
			"Claude 3 Opus":     "claude-3-opus-20240229",
			"claude-3-opus":     "claude-3-opus-20240229",
		},
		fallback: "claude-3-5-sonnet-20241022",
		vision:   map[string]bool{"claude-3-5-sonnet-20241022": true, "claude-3-opus-20240229": true},
	},
	KindGoogle: {
		aliases: map[string]string{
			"Gemini 2.5 Flash": "gemini-2.0-flash-exp",
			"gemini-2.5-flash": "gemini-2.0-flash-exp",
			"Gemini Pro":       "gemini-pro",
			"gemini-pro":       "gemini-pro",
		},
		fallback: "gemini-2.0-flash-exp",
		vision:   map[string]bool{"gemini-2.0-flash-exp": true},
	},
	KindDeepSeek: {
		aliases: map[string]string{
			"DeepSeek V3":       "deepseek-chat",
			"deepseek-chat":     "deepseek-chat",
			"DeepSeek R1":       "deepseek-reasoner",
			"deepseek-reasoner": "deepseek-reasoner",
		},
		fallback: "deepseek-chat",
	},
}

// ResolveModel turns a display name into the provider's model id. Unknown
// names get the provider default.
func ResolveModel(k Kind, display string) string {
	t, ok := modelTables[k]
	if !ok {
		return display
	}
	if id, ok := t.aliases[strings.TrimSpace(display)]; ok {
		return id
	}
	return t.fallback
}

func SupportsVision(k Kind, modelID string) bool {
	return modelTables[k].vision[modelID]
}

// Models is the list offered to clients.
var Models = []string{
	"Gemini 2.5 Flash",
	"GPT-4o",
	"Claude 3.5 Sonnet",
	"DeepSeek V3",
}
