package provider

// OllamaFactory creates OllamaProvider instances bound to one configured
// endpoint/name pair.
type OllamaFactory struct {
	name     string
	endpoint string
}

func NewOllamaFactory(name string, endpoint string) *OllamaFactory {
	return &OllamaFactory{name: name, endpoint: endpoint}
}

func (f *OllamaFactory) Name() string { return f.name }

func (f *OllamaFactory) Create(model string, opts Options) Provider {
	return NewOllamaWithTemp(f.name, f.endpoint, model, opts.Temperature)
}

// LMStudioFactory creates LMStudioProvider instances bound to one configured
// endpoint/name pair.
type LMStudioFactory struct {
	name     string
	endpoint string
}

func NewLMStudioFactory(name string, endpoint string) *LMStudioFactory {
	return &LMStudioFactory{name: name, endpoint: endpoint}
}

func (f *LMStudioFactory) Name() string { return f.name }

func (f *LMStudioFactory) Create(model string, opts Options) Provider {
	return NewLMStudio(f.name, f.endpoint, model, opts.Temperature)
}
