package genapi

import "strings"

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderStability  Provider = "stability"
	ProviderReplicate  Provider = "replicate"
	ProviderFal        Provider = "fal"
	ProviderTogether   Provider = "together"
	ProviderBlackForest Provider = "bfl"
	ProviderRunway     Provider = "runway"
	ProviderLuma       Provider = "luma"
)

type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetVideo AssetKind = "video"
)

// ModelSpec describes one generation model we expose: which vendor serves it,
// what it produces, and what one output costs in credits.
type ModelSpec struct {
	Name       string
	Provider   Provider
	Kind       AssetKind
	CreditCost int
	// Async vendors return a task id that must be polled; sync vendors return
	// asset URLs in the generation response itself.
	Async bool
}

var modelRegistry = map[string]ModelSpec{
	"dall-e-3":           {Name: "dall-e-3", Provider: ProviderOpenAI, Kind: AssetImage, CreditCost: 6},
	"gpt-image-1":        {Name: "gpt-image-1", Provider: ProviderOpenAI, Kind: AssetImage, CreditCost: 8},
	"stable-image-core":  {Name: "stable-image-core", Provider: ProviderStability, Kind: AssetImage, CreditCost: 3},
	"stable-image-ultra": {Name: "stable-image-ultra", Provider: ProviderStability, Kind: AssetImage, CreditCost: 8},
	"sdxl":               {Name: "sdxl", Provider: ProviderReplicate, Kind: AssetImage, CreditCost: 2, Async: true},
	"flux-schnell":       {Name: "flux-schnell", Provider: ProviderFal, Kind: AssetImage, CreditCost: 1, Async: true},
	"flux-dev":           {Name: "flux-dev", Provider: ProviderFal, Kind: AssetImage, CreditCost: 3, Async: true},
	"flux-free":          {Name: "flux-free", Provider: ProviderTogether, Kind: AssetImage, CreditCost: 1},
	"flux-pro-1.1":       {Name: "flux-pro-1.1", Provider: ProviderBlackForest, Kind: AssetImage, CreditCost: 5, Async: true},
	"gen3a-turbo":        {Name: "gen3a-turbo", Provider: ProviderRunway, Kind: AssetVideo, CreditCost: 25, Async: true},
	"dream-machine":      {Name: "dream-machine", Provider: ProviderLuma, Kind: AssetVideo, CreditCost: 30, Async: true},
}

// LookupModel resolves a user-supplied model name. Unknown models are an
// intake-time validation error, never a worker-time one.
func LookupModel(name string) (ModelSpec, bool) {
	spec, ok := modelRegistry[strings.TrimSpace(name)]
	return spec, ok
}

// CreditCost returns the total credit price of a request: per-output cost
// times the number of outputs.
func CreditCost(model string, count int) (int, bool) {
	spec, ok := LookupModel(model)
	if !ok {
		return 0, false
	}
	if count < 1 {
		count = 1
	}
	return spec.CreditCost * count, true
}

// Models returns all registered model names (for validation messages).
func Models() []string {
	out := make([]string, 0, len(modelRegistry))
	for name := range modelRegistry {
		out = append(out, name)
	}
	return out
}
