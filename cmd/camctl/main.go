package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/jack-mango/CameraControl/acquire"
	"github.com/jack-mango/CameraControl/camera"
	"github.com/jack-mango/CameraControl/controller"
	"github.com/jack-mango/CameraControl/httpapi"
	"github.com/jack-mango/CameraControl/params"
	"github.com/jack-mango/CameraControl/persist"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "camctl.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`
}

type socket struct {
	Network string `yaml:"Network"`
	Addr    string `yaml:"Addr"`
}

type simulator struct {
	Width  int `yaml:"Width"`
	Height int `yaml:"Height"`

	// TriggerMs, when positive, synthesizes one frame per period
	TriggerMs int `yaml:"TriggerMs"`
}

type config struct {
	Addr        string                 `yaml:"Addr"`
	Recorder    recorder               `yaml:"Recorder"`
	Socket      socket                 `yaml:"Socket"`
	Simulator   simulator              `yaml:"Simulator"`
	Acquisition controller.Config      `yaml:"Acquisition"`
	BootupArgs  map[string]interface{} `yaml:"BootupArgs"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:      ":8000",
		Recorder:  recorder{Root: "data", Prefix: "shot"},
		Socket:    socket{Network: "tcp", Addr: "127.0.0.1:8400"},
		Simulator: simulator{Width: 512, Height: 512, TriggerMs: 100},
		Acquisition: controller.Config{
			FramesPerShot:     1,
			ShotsPerParameter: 1,
			FileFormat:        ".h5",
		},
		BootupArgs: map[string]interface{}{
			"temperature":      -70,
			"exposure-ms":      30,
			"trigger-mode":     "external",
			"acquisition-mode": "kinetic",
		}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `camctl runs the camera acquisition pipeline and exposes it over HTTP.
Frame batches from the camera are paired with parameter records arriving
on a socket, grouped, and saved to disk.

Usage:
	camctl <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `camctl is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.
The command mkconf generates the configuration file with the default values.

BootupArgs holds the camera settings pushed at connect time; the keys are
the same ones accepted by POST /settings.  Remove any setting the camera
rejects and reconnect.

The Socket section points at the program publishing parameter records.
Network tcp dials the address and reads newline-delimited JSON; network udp
binds the address and expects one length-prefixed JSON record per datagram.

Acquisition.AutoShotsPerParameter groups shots by the repetition counters
carried in the records themselves; otherwise every ShotsPerParameter shots
are grouped.  FileFormat selects the output codec by extension.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("camctl version %v\n", Version)
}

func run() {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}

	initial, err := acquire.ParseSettings(cfg.BootupArgs)
	if err != nil {
		log.Fatal(err)
	}

	drv := camera.NewSim(cfg.Simulator.Width, cfg.Simulator.Height)
	producer := acquire.New(drv, initial)
	rec := &persist.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix}
	sink, err := persist.NewWriter(rec, cfg.Acquisition.FileFormat)
	if err != nil {
		log.Fatal(err)
	}
	mkRecs := func() (controller.RecordSource, error) {
		return params.NewListener(params.Config{
			Network: cfg.Socket.Network,
			Addr:    cfg.Socket.Addr,
		}), nil
	}
	ctl, err := controller.New(cfg.Acquisition, producer, sink, mkRecs)
	if err != nil {
		log.Fatal(err)
	}
	sink.OnSaved = ctl.NoteSaved

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spincfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " connecting to camera",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		SuffixAutoColon: true,
	}
	spinner, err := yacspin.New(spincfg)
	if err == nil {
		spinner.Start()
	}
	err2 := ctl.ConnectCamera(ctx)
	if spinner != nil {
		spinner.Stop()
	}
	if err2 != nil {
		log.Fatal(err2)
	}

	if cfg.Simulator.TriggerMs > 0 {
		go func() {
			tick := time.NewTicker(time.Duration(cfg.Simulator.TriggerMs) * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					drv.Trigger(1)
				}
			}
		}()
	}

	go ctl.Run(ctx)
	go func() {
		for ev := range ctl.Events() {
			switch ev.Kind {
			case controller.EventSaved:
				log.Printf("saved %d shots to %s", ev.Units, ev.Path)
			case controller.EventRep, controller.EventCameraConn, controller.EventSocketConn:
				log.Printf("event %s %+v", ev.Kind, ev)
			}
		}
	}()

	mux := chi.NewRouter()
	httpapi.NewWrapper(ctx, ctl).Bind(mux)
	log.Println("now listening for requests at", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
