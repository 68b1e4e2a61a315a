package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/realtime-ai/transpose-engine/pkg/audioio"
	"github.com/realtime-ai/transpose-engine/pkg/configsync"
	"github.com/realtime-ai/transpose-engine/pkg/decoder"
	"github.com/realtime-ai/transpose-engine/pkg/downloader"
	"github.com/realtime-ai/transpose-engine/pkg/frontend"
	"github.com/realtime-ai/transpose-engine/pkg/notify"
	"github.com/realtime-ai/transpose-engine/pkg/runtime"
	sttrace "github.com/realtime-ai/transpose-engine/pkg/trace"
	"github.com/realtime-ai/transpose-engine/pkg/vad"
)

// mailboxCapacity bounds the PCM mailbox at 100 chunks (spec.md §5).
const mailboxCapacity = 100

// disarmedPeriod is the "far-future period" the realtime ticker is rearmed
// to when realtime captioning is disabled, so the timer is never discarded,
// only effectively silenced (spec.md §5, "Disabling realtime rearms the
// ticker to a far-future period").
const disarmedPeriod = 365 * 24 * time.Hour

// transcriber is the subset of *runtime.Runtime the service drives. It is
// an interface so the event loop's diffing/reload logic can be exercised
// with a fake in tests instead of loading real model weights, mirroring the
// teacher's pkg/asr.Provider seam.
type transcriber interface {
	Transpose(ctx context.Context, pcm []float32) ([]decoder.Token, error)
	TransposeVADCache(ctx context.Context) ([]decoder.Token, error)
	Refresh(newCfg, oldCfg runtime.Config, detector vad.DetectorInterface) error
	Close()
}

var _ transcriber = (*runtime.Runtime)(nil)

// audioInput is the subset of *audioio.Input the service drives.
type audioInput interface {
	Play() (<-chan []float32, error)
	Close() error
}

var _ audioInput = (*audioio.Input)(nil)

// NewRuntimeFunc builds a transcriber from a runtime.Config. Tests inject a
// fake; production wiring leaves this nil and gets runtime.New.
type NewRuntimeFunc func(cfg runtime.Config, fe frontend.Frontend, detector vad.DetectorInterface) (transcriber, error)

// NewDetectorFunc builds the Silero VAD detector used by a reloaded
// runtime. Detector construction is independent of the SenseVoice model
// weights (the Silero model ships separately; spec.md §1 treats it as an
// external primitive), so it is injected rather than derived from
// ModelConfig.ModelDir.
type NewDetectorFunc func(cfg vad.Config) (vad.DetectorInterface, error)

// OpenInputFunc opens a capture device by host/device name, as returned by
// audioio.EnumerateHosts.
type OpenInputFunc func(host, device string) (audioInput, error)

// Config wires a Service's collaborators (spec.md §4.H, §9 "construct at
// startup, pass an explicit handle... avoid hidden global mutable state").
type Config struct {
	ConfigSync *configsync.Value[TransposeConfig]
	Bus        *notify.Bus
	Downloader *downloader.Downloader // nil disables the download commands
	Frontend   frontend.Frontend

	NewDetector NewDetectorFunc
	NewRuntime  NewRuntimeFunc // nil -> runtime.New
	OpenInput   OpenInputFunc  // nil -> audioio-backed default

	// PersistPath, if non-empty, is the file each successfully-committed
	// config is written to (SPEC_FULL.md §3, "Config persistence").
	PersistPath string
}

// Service is the single long-lived transcription task of spec.md §4.H: it
// owns the config-sync handle, the optional runtime and audio input, the
// PCM mailbox, and the realtime ticker.
type Service struct {
	cfgSync     *configsync.Value[TransposeConfig]
	bus         *notify.Bus
	dl          *downloader.Downloader
	fe          frontend.Frontend
	newDetector NewDetectorFunc
	newRuntime  NewRuntimeFunc
	openInput   OpenInputFunc
	persistPath string

	mailbox chan []float32

	rt         transcriber
	input      audioInput
	readerStop chan struct{}

	curr   TransposeConfig
	ticker *time.Timer
}

// New constructs a Service. It does not start the event loop; call Run for
// that.
func New(cfg Config) (*Service, error) {
	if cfg.ConfigSync == nil {
		return nil, fmt.Errorf("service: ConfigSync is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("service: Bus is required")
	}
	if cfg.Frontend == nil {
		return nil, fmt.Errorf("service: Frontend is required")
	}
	if cfg.NewDetector == nil {
		return nil, fmt.Errorf("service: NewDetector is required")
	}

	newRuntime := cfg.NewRuntime
	if newRuntime == nil {
		newRuntime = func(rcfg runtime.Config, fe frontend.Frontend, detector vad.DetectorInterface) (transcriber, error) {
			return runtime.New(rcfg, fe, detector)
		}
	}
	openInput := cfg.OpenInput
	if openInput == nil {
		openInput = defaultOpenInput
	}

	return &Service{
		cfgSync:     cfg.ConfigSync,
		bus:         cfg.Bus,
		dl:          cfg.Downloader,
		fe:          cfg.Frontend,
		newDetector: cfg.NewDetector,
		newRuntime:  newRuntime,
		openInput:   openInput,
		persistPath: cfg.PersistPath,
		mailbox:     make(chan []float32, mailboxCapacity),
		curr:        cfg.ConfigSync.Curr(),
		ticker:      time.NewTimer(disarmedPeriod),
	}, nil
}

// Run drives the event loop until ctx is cancelled (spec.md §4.H). It tears
// down any loaded runtime/input before returning.
func (s *Service) Run(ctx context.Context) {
	defer s.teardown()

	newCfgCh := make(chan TransposeConfig)
	go s.forwardNewConfig(ctx, newCfgCh)

	for {
		select {
		case <-ctx.Done():
			return

		case newCfg := <-newCfgCh:
			s.handleConfigChange(newCfg)

		case pcm, ok := <-s.mailbox:
			if !ok {
				return
			}
			s.onPCM(ctx, pcm)

		case <-s.ticker.C:
			s.onTick(ctx)
		}
	}
}

// forwardNewConfig bridges configsync's blocking WaitNew into a channel so
// Run's select can multiplex it against PCM arrival and the ticker (spec.md
// §9, "small value object... avoid leaking the underlying primitive"). A
// call blocked in WaitNew with no pending Propose outlives ctx cancellation
// until the next Propose wakes it; that goroutine then observes ctx.Done
// and exits without forwarding.
func (s *Service) forwardNewConfig(ctx context.Context, out chan<- TransposeConfig) {
	for {
		v := s.cfgSync.WaitNew()
		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleConfigChange(newCfg TransposeConfig) {
	if err := s.apply(newCfg); err != nil {
		log.Printf("[service] config apply failed: %v", err)
		s.bus.Notify(notify.LevelError, err.Error())
		s.cfgSync.Commit(false)
		return
	}

	s.curr = newCfg
	s.cfgSync.Commit(true)
	s.persist(newCfg)
}

// apply reconciles the running input/runtime against newCfg, per spec.md
// §4.H's apply() algorithm.
func (s *Service) apply(newCfg TransposeConfig) error {
	old := s.curr

	if !newCfg.Enable {
		s.teardownInput()
		s.teardownRuntime()
		s.rearmTicker(newCfg)
		return nil
	}

	inputChanged := s.input == nil || newCfg.InputHost != old.InputHost || newCfg.InputDevice != old.InputDevice
	if inputChanged {
		if err := s.reloadInput(newCfg); err != nil {
			return fmt.Errorf("service: reload input: %w", err)
		}
	}

	weightsChanged := s.rt == nil || newCfg.Model.ModelDir != old.Model.ModelDir || newCfg.Model.UseGPU != old.Model.UseGPU
	if weightsChanged {
		for _, f := range runtime.RequiredFiles(newCfg.Model.ModelDir) {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("service: Missing required files: %w", err)
			}
		}
		if err := s.reloadRuntime(newCfg); err != nil {
			return fmt.Errorf("service: reload runtime: %w", err)
		}
	} else {
		if err := s.refreshRuntime(newCfg, old); err != nil {
			return fmt.Errorf("service: refresh runtime: %w", err)
		}
	}

	s.rearmTicker(newCfg)
	return nil
}

// vadEnabled reports whether m configures VAD. A zero-value vad.Config
// (SampleRate unset) means "VAD not requested", matching how ModelConfig is
// left zero-valued when a client omits vad_cfg from its patch.
func vadEnabled(m ModelConfig) bool {
	return m.VADCfg.SampleRate > 0
}

func (s *Service) reloadRuntime(newCfg TransposeConfig) error {
	s.teardownRuntime()

	detector, err := s.buildDetector(newCfg.Model)
	if err != nil {
		return err
	}

	rtCfg := newCfg.Model.toRuntimeConfig(vadEnabled(newCfg.Model))
	rt, err := s.newRuntime(rtCfg, s.fe, detector)
	if err != nil {
		return err
	}
	s.rt = rt
	return nil
}

func (s *Service) refreshRuntime(newCfg, old TransposeConfig) error {
	if s.rt == nil {
		return s.reloadRuntime(newCfg)
	}

	var detector vad.DetectorInterface
	if vadEnabled(newCfg.Model) && !vadEnabled(old.Model) {
		d, err := s.buildDetector(newCfg.Model)
		if err != nil {
			return err
		}
		detector = d
	}

	newRTCfg := newCfg.Model.toRuntimeConfig(vadEnabled(newCfg.Model))
	oldRTCfg := old.Model.toRuntimeConfig(vadEnabled(old.Model))
	return s.rt.Refresh(newRTCfg, oldRTCfg, detector)
}

func (s *Service) buildDetector(m ModelConfig) (vad.DetectorInterface, error) {
	if !vadEnabled(m) {
		return nil, nil
	}
	detector, err := s.newDetector(m.VADCfg)
	if err != nil {
		return nil, fmt.Errorf("build vad detector: %w", err)
	}
	return detector, nil
}

func (s *Service) teardownRuntime() {
	if s.rt != nil {
		s.rt.Close()
		s.rt = nil
	}
}

func (s *Service) reloadInput(newCfg TransposeConfig) error {
	s.teardownInput()

	in, err := s.openInput(newCfg.InputHost, newCfg.InputDevice)
	if err != nil {
		return err
	}
	pcmCh, err := in.Play()
	if err != nil {
		in.Close()
		return err
	}

	s.input = in
	stop := make(chan struct{})
	s.readerStop = stop
	go s.bridgePCM(pcmCh, stop)
	return nil
}

func (s *Service) teardownInput() {
	if s.readerStop != nil {
		close(s.readerStop)
		s.readerStop = nil
	}
	if s.input != nil {
		s.input.Close()
		s.input = nil
	}
}

// bridgePCM forwards pcmCh into the mailbox on a dedicated goroutine — the
// blocking thread that bridges the synchronous capture callback into the
// async mailbox (spec.md §5, §9).
func (s *Service) bridgePCM(pcmCh <-chan []float32, stop <-chan struct{}) {
	for {
		select {
		case pcm, ok := <-pcmCh:
			if !ok {
				return
			}
			select {
			case s.mailbox <- pcm:
			case <-stop:
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Service) onPCM(ctx context.Context, pcm []float32) {
	if s.rt == nil {
		return
	}
	tokens, err := s.rt.Transpose(ctx, pcm)
	if err != nil {
		sttrace.SpanFromContext(ctx).SetAttributes(sttrace.ErrorAttrs("transpose", err.Error())...)
		log.Printf("[service] transpose error: %v", err)
		s.bus.Notify(notify.LevelError, fmt.Sprintf("transcription error: %v", err))
		return
	}
	s.emitTokens(tokens)
}

func (s *Service) onTick(ctx context.Context) {
	if s.curr.Realtime && s.rt != nil {
		tokens, err := s.rt.TransposeVADCache(ctx)
		if err != nil {
			sttrace.SpanFromContext(ctx).SetAttributes(sttrace.ErrorAttrs("transpose_vad_cache", err.Error())...)
			log.Printf("[service] realtime flush error: %v", err)
			s.bus.Notify(notify.LevelError, fmt.Sprintf("realtime flush error: %v", err))
		} else {
			s.emitTokens(tokens)
		}
	}
	s.rearmTicker(s.curr)
}

func (s *Service) emitTokens(tokens []decoder.Token) {
	for _, t := range tokens {
		s.bus.Caption(t.StartMs, t.EndMs, t.Text)
	}
}

func (s *Service) rearmTicker(cfg TransposeConfig) {
	period := disarmedPeriod
	if cfg.Realtime && cfg.RealtimeRateMs > 0 {
		period = time.Duration(cfg.RealtimeRateMs) * time.Millisecond
	}
	if !s.ticker.Stop() {
		select {
		case <-s.ticker.C:
		default:
		}
	}
	s.ticker.Reset(period)
}

func (s *Service) persist(cfg TransposeConfig) {
	if s.persistPath == "" {
		return
	}
	if err := persistConfig(s.persistPath, cfg); err != nil {
		log.Printf("[service] persist config: %v", err)
	}
}

func (s *Service) teardown() {
	s.teardownInput()
	s.teardownRuntime()
	s.ticker.Stop()
}

func defaultOpenInput(host, device string) (audioInput, error) {
	hosts, err := audioio.EnumerateHosts()
	if err != nil {
		return nil, fmt.Errorf("service: enumerate hosts: %w", err)
	}
	for _, h := range hosts {
		if h.Host == host && (device == "" || h.Name == device) {
			return audioio.Open(h)
		}
	}
	return nil, fmt.Errorf("service: no capture device matching host=%q device=%q", host, device)
}

// --- UI-facing commands (spec.md §6) ---

// UpdateTranscribeConfig merge-patches patch into the current config,
// proposes it, and blocks until the service's commit is observed. It
// returns an error if the patch fails to validate, or if the service
// rejected the proposal (commit(false): the resulting "curr" differs from
// what was proposed).
func (s *Service) UpdateTranscribeConfig(patch []byte) error {
	cur := s.cfgSync.Curr()
	merged, err := ApplyMergePatch(cur, patch)
	if err != nil {
		return err
	}

	s.cfgSync.Propose(merged)
	result := s.cfgSync.WaitCurr()
	if !reflect.DeepEqual(result, merged) {
		return fmt.Errorf("service: config update was not applied")
	}
	return nil
}

// GetTranscribeConfig returns the currently active configuration.
func (s *Service) GetTranscribeConfig() TransposeConfig {
	return s.cfgSync.Curr()
}

// GetDevices enumerates capture hosts/devices (spec.md §6).
func (s *Service) GetDevices() ([]audioio.HostDevice, error) {
	return audioio.EnumerateHosts()
}

// GetRequiredFiles returns the remote file manifest for modelDir's model
// repository (spec.md §6).
func (s *Service) GetRequiredFiles(ctx context.Context, modelDir string) ([]downloader.FileEntry, error) {
	if s.dl == nil {
		return nil, fmt.Errorf("service: no downloader configured")
	}
	return s.dl.RequiredFiles(ctx, repoIDFromModelDir(modelDir))
}

// DownloadRequiredFile starts (or resumes) fetching fileName into modelDir
// (spec.md §6).
func (s *Service) DownloadRequiredFile(ctx context.Context, modelDir, fileName string) error {
	if s.dl == nil {
		return fmt.Errorf("service: no downloader configured")
	}
	return s.dl.Start(ctx, repoIDFromModelDir(modelDir), modelDir, fileName)
}

// StopDownloadRequiredFile cancels an in-flight download (spec.md §6).
func (s *Service) StopDownloadRequiredFile(fileName string) {
	if s.dl != nil {
		s.dl.Stop(fileName)
	}
}

// repoIDFromModelDir derives the model-hub repo id from a local model
// directory: the directory's base name, matching how models are laid out
// one-directory-per-repo under a models root.
func repoIDFromModelDir(modelDir string) string {
	return filepath.Base(modelDir)
}
