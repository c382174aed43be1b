package main

import (
	"errors"
	"time"

	"github.com/MrWong99/smartgenie/internal/config"
	"github.com/MrWong99/smartgenie/pkg/audio/device"
	"github.com/MrWong99/smartgenie/pkg/audio/wavfile"
)

// registerBuiltinBackends registers the audio backends that ship with
// SmartGenie.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterAudio(config.BackendDevice, func(cfg config.AudioConfig) (config.AudioDevices, error) {
		mic, err := device.NewMicrophone(cfg.ChunkMillis)
		if err != nil {
			return config.AudioDevices{}, err
		}
		spk, err := device.NewSpeaker(cfg.Format(), 0)
		if err != nil {
			_ = mic.Close()
			return config.AudioDevices{}, err
		}
		return config.AudioDevices{Microphone: mic, Speaker: spk, Close: mic.Close}, nil
	})

	reg.RegisterAudio(config.BackendFile, func(cfg config.AudioConfig) (config.AudioDevices, error) {
		if cfg.InputFile == "" {
			return config.AudioDevices{}, errors.New("audio.input_file is required")
		}
		mic := wavfile.NewMicrophone(cfg.InputFile,
			wavfile.WithChunk(time.Duration(cfg.ChunkMillis)*time.Millisecond),
		)
		spk, err := wavfile.NewSpeaker(cfg.OutputDir, cfg.Format(), true)
		if err != nil {
			return config.AudioDevices{}, err
		}
		return config.AudioDevices{Microphone: mic, Speaker: spk}, nil
	})
}
