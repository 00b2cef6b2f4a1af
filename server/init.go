package server

import (
	"github.com/krau/tailtagger/classifier"
	"github.com/krau/tailtagger/config"
	"github.com/krau/tailtagger/jtp2"
	"github.com/krau/tailtagger/jtp3"
)

var manager *classifier.Manager

// Init discovers models and prepares the classifier manager. An empty
// models directory is not fatal; /predict will report it per request.
func Init() error {
	manager = classifier.NewManager(
		config.C().ModelsDir,
		[]classifier.Adapter{jtp2.New(), jtp3.New()},
		classifier.Options{
			Device:      classifier.Device{CUDA: config.C().UseGPU},
			Workers:     config.C().Workers,
			ActiveModel: config.C().ActiveModel,
			Preprocess: classifier.PreprocessOptions{
				AllowUpscale: config.C().AllowUpscale,
			},
		},
	)
	return nil
}

// Close drains in-flight work and releases the active model.
func Close() {
	if manager != nil {
		manager.Close()
	}
}
