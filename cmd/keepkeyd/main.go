// Command keepkeyd is the daemon entrypoint: parse flags, build the
// transport backends, start the background Enumerator, build the
// Queue Manager and Event Bus, then run the HTTP server until killed.
package main

import (
	"os"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/BitHighlander/keepkey-vault-v6/internal/config"
	"github.com/BitHighlander/keepkey-vault-v6/internal/enumerator"
	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/memorywriter"
	"github.com/BitHighlander/keepkey-vault-v6/internal/queue"
	"github.com/BitHighlander/keepkey-vault-v6/internal/registry"
	"github.com/BitHighlander/keepkey-vault-v6/internal/server"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/worker"
)

// keepkeyVendorID is the USB vendor ID KeepKey devices enumerate
// under, in both bootloader and application firmware.
const keepkeyVendorID = 0x2B24

func main() {
	opt, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(opt.ConfigFile)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("loading config")
	}
	if opt.ListenAddr != "" {
		cfg.ListenAddr = opt.ListenAddr
	}
	if opt.LogFile != "" {
		cfg.LogFile = opt.LogFile
	}
	if opt.Verbose {
		cfg.Verbose = true
	}

	logWriter := os.Stderr
	var rotated *lumberjack.Logger
	if cfg.LogFile != "" {
		rotated = &lumberjack.Logger{Filename: cfg.LogFile, MaxSize: 5, MaxBackups: 3}
	}

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	var log zerolog.Logger
	if rotated != nil {
		log = zerolog.New(rotated).With().Timestamp().Logger().Level(level)
	} else {
		log = zerolog.New(logWriter).With().Timestamp().Logger().Level(level)
	}

	trace, err := memorywriter.New(90000, 200, true, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("building trace buffer")
	}
	trace.Log("keepkeyd is starting")

	registryStore, err := registry.Open(cfg.RegistryDB)
	if err != nil {
		log.Fatal().Err(err).Msg("opening registry")
	}
	defer registryStore.Close()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	opener := transport.NewRegistry(map[transport.Kind]transport.Opener{
		transport.KindHID:          transport.NewHIDOpener([]uint16{keepkeyVendorID}, nil),
		transport.KindUSBInterrupt: transport.NewInterruptOpener(usbCtx),
	})

	// Both transport backends are scanned concurrently with errgroup;
	// neither depends on the other and KeepKey's bootloader-mode devices
	// can briefly re-enumerate under either personality during a
	// firmware update, so both lists matter every tick.
	scanner := enumerator.ScannerFunc(func() ([]transport.Descriptor, error) {
		var hid, raw []transport.Descriptor
		g := new(errgroup.Group)
		g.Go(func() error {
			var err error
			hid, err = transport.HIDScan([]uint16{keepkeyVendorID})
			return err
		})
		g.Go(func() error {
			var err error
			raw, err = transport.USBScan(usbCtx, []uint16{keepkeyVendorID})
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return append(hid, raw...), nil
	})
	enum := enumerator.New(scanner, cfg.ScanInterval(), cfg.DisconnectGrace(), trace)
	enum.Start()
	defer enum.Stop()

	bus := eventbus.New(cfg.EventSubscriberBuffer, log)

	workerCfg := worker.Config{
		InboxCapacity:    cfg.WorkerInboxCapacity,
		IdleTimeout:      cfg.IdleTransportTimeout(),
		RetrySchedule:    cfg.RetrySchedule(),
		DefaultOpTimeout: cfg.OpTimeout("get_features"),
	}
	mgr := queue.New(enum, opener, workerCfg, bus, trace, registryStore)
	defer mgr.Close()

	trace.Log("starting HTTP server on " + cfg.ListenAddr)
	srv := server.New(cfg.ListenAddr, mgr, bus, trace, log, logWriter)
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("http server exited")
	}
}
