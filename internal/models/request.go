package models

// GenerateRequest carries the user parameters substituted into a workflow
// template. Field names double as the placeholder keys in templates.
type GenerateRequest struct {
	Workflow       string  `json:"workflow_name" validate:"required"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width" validate:"gte=64,lte=4096"`
	Height         int     `json:"height" validate:"gte=64,lte=4096"`
	Steps          int     `json:"steps" validate:"gte=1,lte=150"`
	Sampler        string  `json:"sampler"`
	CfgScale       float64 `json:"cfg_scale" validate:"gte=0,lte=30"`
	Seed           int64   `json:"seed"`
	Checkpoint     string  `json:"checkpoint"`

	InputImagePath string `json:"input_image_path,omitempty"`
	Duration       int    `json:"duration,omitempty"`
	Ratio          string `json:"ratio,omitempty"`

	// Two-stage (refiner) graph tuning
	BaseEndStep      float64 `json:"base_end_step,omitempty"`
	RefinerStartStep float64 `json:"refiner_start_step,omitempty"`
	RefinerEndStep   float64 `json:"refiner_end_step,omitempty"`

	PositiveStyle string `json:"positive_style,omitempty"`
	NegativeStyle string `json:"negative_style,omitempty"`
	VAEName       string `json:"vae_name,omitempty"`
	SDXLMode      string `json:"sdxl_mode,omitempty"`
	SDXLQuality   string `json:"sdxl_quality,omitempty"`

	// Provider credential supplied per-request; falls back to config
	ProviderAPIKey string `json:"-"`
}

// Values returns the placeholder map used for template substitution.
// Every key here can appear as {{key}} in a workflow template.
func (r *GenerateRequest) Values() map[string]interface{} {
	return map[string]interface{}{
		"prompt":          r.Prompt,
		"negative_prompt": r.NegativePrompt,
		"width":           r.Width,
		"height":          r.Height,
		"steps":           r.Steps,
		"cfg_scale":       r.CfgScale,
		"cfg":             r.CfgScale,
		"sampler":         r.Sampler,
		"seed":            r.Seed,
		"checkpoint":      r.Checkpoint,

		"input_image_path": r.InputImagePath,
		"duration":         r.Duration,
		"ratio":            r.Ratio,

		"base_end_step":      r.BaseEndStep,
		"refiner_start_step": r.RefinerStartStep,
		"refiner_end_step":   r.RefinerEndStep,

		"positive_style": r.PositiveStyle,
		"negative_style": r.NegativeStyle,
		"vae_name":       r.VAEName,

		"sdxl_mode":    r.SDXLMode,
		"sdxl_quality": r.SDXLQuality,
	}
}

// VideoRequest is the subset of a generate request handed to the
// text-to-video provider adapter.
type VideoRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	Ratio    string `json:"ratio"`
	Duration int    `json:"duration"`
	Seed     int64  `json:"seed"`
	APIKey   string `json:"-"`
}
