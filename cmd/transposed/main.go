// Command transposed is the transcription service process: it loads a
// persisted TransposeConfig, wires the runtime/audio/download
// collaborators, and drives pkg/service's event loop behind a thin
// newline-delimited-JSON command/event socket (SPEC_FULL.md §6).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/realtime-ai/transpose-engine/pkg/configsync"
	"github.com/realtime-ai/transpose-engine/pkg/downloader"
	"github.com/realtime-ai/transpose-engine/pkg/notify"
	"github.com/realtime-ai/transpose-engine/pkg/service"
	"github.com/realtime-ai/transpose-engine/pkg/tensor"
	sttrace "github.com/realtime-ai/transpose-engine/pkg/trace"
	"github.com/realtime-ai/transpose-engine/pkg/vad"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sttrace.Initialize(ctx, sttrace.DefaultConfig()); err != nil {
		log.Fatalf("[main] initialize tracing: %v", err)
	}
	defer sttrace.Shutdown(context.Background())

	onnxLibPath := os.Getenv("ONNXRUNTIME_LIB_PATH")
	if err := vad.InitRuntime(onnxLibPath); err != nil {
		log.Fatalf("[main] init onnx runtime: %v", err)
	}
	defer vad.DestroyRuntime()

	configDir := getEnv("TRANSPOSE_CONFIG_DIR", ".")
	persistPath := filepath.Join(configDir, "transpose_config.json")

	initial, err := service.LoadPersistedConfig(persistPath)
	if err != nil {
		log.Fatalf("[main] load persisted config: %v", err)
	}

	bus := notify.NewBus()
	sink := notify.NewWebSocketSink(bus)
	defer sink.Close()

	dl := downloader.New(getEnv("TRANSPOSE_HUB_BASE_URL", "https://hub.example.com"), func(fileName string, size, position int64) {
		bus.DownloadProgress(fileName, size, position)
	})

	vadModelPath := getEnv("SILERO_VAD_MODEL_PATH", filepath.Join(configDir, "silero_vad.onnx"))
	newDetector := func(cfg vad.Config) (vad.DetectorInterface, error) {
		return vad.NewDetector(vad.DetectorConfig{
			ModelPath:  vadModelPath,
			SampleRate: cfg.SampleRate,
		})
	}

	svc, err := service.New(service.Config{
		ConfigSync:  configsync.New(initial),
		Bus:         bus,
		Downloader:  dl,
		Frontend:    noopFrontend{},
		NewDetector: newDetector,
		PersistPath: persistPath,
	})
	if err != nil {
		log.Fatalf("[main] construct service: %v", err)
	}

	socketPath := getEnv("TRANSPOSE_SOCKET_PATH", filepath.Join(configDir, "transpose.sock"))
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Fatalf("[main] listen on %s: %v", socketPath, err)
	}
	defer listener.Close()

	go acceptLoop(ctx, listener, svc, bus)

	log.Printf("[main] transposed listening on %s", socketPath)
	svc.Run(ctx)
	log.Printf("[main] transposed shutting down")
}

// noopFrontend is a placeholder frontend.Frontend: the fbank/windowing
// implementation is out of scope for this module (spec.md §1, "frontend
// feature extraction... is an external collaborator") and must be supplied
// by a real deployment. It lets the process start and exercise every other
// component even with no such collaborator wired in.
type noopFrontend struct{}

func (noopFrontend) ExtractFeatures(pcm []float32) (*tensor.Tensor, error) {
	return nil, errors.New("main: no frontend implementation configured")
}

// command is one decoded `{"cmd", "args"}` line from a UI connection
// (SPEC_FULL.md §6).
type command struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

// eventFrame and replyFrame are the two JSON envelope shapes written back
// to a UI connection: pushed bus events, and request/response replies to
// the six commands.
type eventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type replyFrame struct {
	Cmd    string `json:"cmd"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// connWriter serializes writes to conn: events pushed from the bus and
// command replies both land on the same socket and must not interleave
// mid-frame.
type connWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *connWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func acceptLoop(ctx context.Context, listener net.Listener, svc *service.Service, bus *notify.Bus) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[main] accept: %v", err)
			continue
		}
		sessionID := uuid.NewString()
		go handleConn(ctx, conn, svc, bus, sessionID)
	}
}

func handleConn(ctx context.Context, conn net.Conn, svc *service.Service, bus *notify.Bus, sessionID string) {
	defer conn.Close()
	ctx, span := sttrace.StartSpan(ctx, "ui.connection")
	defer span.End()
	span.SetAttributes(sttrace.SessionAttrs(sessionID)...)

	w := &connWriter{enc: json.NewEncoder(conn)}

	events := make(chan notify.Event, 32)
	bus.Subscribe(notify.EventNotify, events)
	bus.Subscribe(notify.EventDownloadProgress, events)
	bus.Subscribe(notify.EventCaption, events)
	defer func() {
		bus.Unsubscribe(notify.EventNotify, events)
		bus.Unsubscribe(notify.EventDownloadProgress, events)
		bus.Unsubscribe(notify.EventCaption, events)
	}()

	done := make(chan struct{})
	go forwardEvents(w, events, done)
	defer close(done)

	readCommands(ctx, conn, svc, w)
}

func forwardEvents(w *connWriter, events <-chan notify.Event, done <-chan struct{}) {
	for {
		select {
		case evt := <-events:
			frame := eventFrame{Event: eventName(evt), Payload: eventPayload(evt)}
			if err := w.write(frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func eventName(evt notify.Event) string {
	switch evt.Type {
	case notify.EventNotify:
		return "notify"
	case notify.EventDownloadProgress:
		return "download_progress"
	case notify.EventCaption:
		return "caption"
	default:
		return "unknown"
	}
}

func eventPayload(evt notify.Event) any {
	switch evt.Type {
	case notify.EventNotify:
		return evt.Notify
	case notify.EventDownloadProgress:
		return evt.DownloadProgress
	case notify.EventCaption:
		return evt.Caption
	default:
		return nil
	}
}

// readCommands decodes newline-delimited command envelopes, dispatches
// each to svc, and writes back one reply frame per command. The wire
// format is intentionally minimal (SPEC_FULL.md §6 calls this "thin
// command dispatch" out of scope beyond making the module exercisable as
// a running process).
func readCommands(ctx context.Context, conn net.Conn, svc *service.Service, w *connWriter) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			log.Printf("[main] decode command: %v", err)
			continue
		}

		result, err := dispatch(ctx, svc, cmd)
		reply := replyFrame{Cmd: cmd.Cmd, OK: err == nil, Result: result}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := w.write(reply); err != nil {
			return
		}
	}
}

func dispatch(ctx context.Context, svc *service.Service, cmd command) (any, error) {
	switch cmd.Cmd {
	case "update_transcribe_config":
		var args struct {
			Patch json.RawMessage `json:"patch"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, err
		}
		if err := svc.UpdateTranscribeConfig(args.Patch); err != nil {
			return nil, err
		}
		return svc.GetTranscribeConfig(), nil

	case "get_transcribe_config":
		return svc.GetTranscribeConfig(), nil

	case "get_devices":
		return svc.GetDevices()

	case "get_required_files":
		var args struct {
			ModelDir string `json:"model_dir"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, err
		}
		return svc.GetRequiredFiles(ctx, args.ModelDir)

	case "download_required_file":
		var args struct {
			ModelDir string `json:"model_dir"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, svc.DownloadRequiredFile(ctx, args.ModelDir, args.FileName)

	case "stop_download_required_file":
		var args struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, err
		}
		svc.StopDownloadRequiredFile(args.FileName)
		return nil, nil

	default:
		return nil, errors.New("main: unknown command")
	}
}
