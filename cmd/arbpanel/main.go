package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/bkarb/generichttp"
	"github.com/nasa-jpl/bkarb/panel"
	"github.com/nasa-jpl/bkarb/server"
	"github.com/nasa-jpl/bkarb/visa"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "arbpanel.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `arbpanel is a control panel for a BK Precision 4054B arbitrary waveform generator.
It selects preset burst modes, edits the waveform parameters, and polls the
generator so the requested and reported values can be shown side by side, all
over HTTP.

Usage:
	arbpanel <command>

Commands:
	run
	help
	mkconf
	conf
	version
	idn
	ports`
	fmt.Println(str)
}

func help() {
	str := `arbpanel is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command mkconf
generates the configuration file with the default values.

Resource is a VISA resource string:
	USB0::0xF4EC::0xEE38::<serial>::INSTR       USBTMC (the 4054B's USB port)
	TCPIP0::<host>::<port>::SOCKET              raw socket
	TCPIP0::<host>::INSTR                       raw socket on port 5025
	ASRL/dev/ttyUSB0::INSTR or ASRL3::INSTR     serial port
The command ports lists the serial ports of this machine.

Durations (PollInterval, PoolTimeout, CommandInterval) are written like 100ms or 1m.

Mock: true runs against a simulated generator, useful to try the HTTP interface.

Modes are "square", "pulse", "pump", and "reset", or their menu labels
("Square Wave", "Pulse Wave", "Pump TTIP Lines", "Reset").  Parameters are
cycles, period, amplitude, offset, duty, width, and delay.  GET /endpoints
lists every route.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
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
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("arbpanel version %v\n", Version)
}

func idn() {
	c := loadconfig()
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " contacting " + c.Resource,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	gen, err := NewGenerator(c)
	if err != nil {
		spinner.StopFailMessage(" " + err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	defer gen.Close()
	id, err := gen.Identify()
	if err != nil {
		spinner.StopFailMessage(" " + err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.Stop()
	color.New(color.FgCyan, color.Bold).Println(id)
}

func ports() {
	list, err := visa.SerialPorts()
	if err != nil {
		log.Fatal(err)
	}
	if len(list) == 0 {
		color.Yellow("no serial ports found")
		return
	}
	for _, p := range list {
		fmt.Println(p)
	}
}

func run() {
	c := loadconfig()
	log.SetOutput(logWriter(c))

	gen, err := NewGenerator(c)
	if err != nil {
		log.Fatal(err)
	}
	id, err := gen.Identify()
	if err != nil {
		log.Println("generator did not identify itself:", err)
	} else {
		log.Println("connected to", id)
	}
	if err = gen.Initialize(); err != nil {
		log.Println("error initializing generator:", err)
	}
	st, err := panel.New(gen)
	if err != nil {
		// burst fields are not reported until a mode is selected
		log.Println("initial readings incomplete:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	polling := make(chan struct{})
	go func() {
		st.Run(ctx, c.PollInterval)
		close(polling)
	}()

	mux := BuildMux(c, gen, st)
	log.Println("now listening for requests at ", c.Addr+generichttp.SubMuxSanitize(c.Endpoint))
	err = server.ListenAndServe(ctx, c.Addr, mux, server.DefaultGrace)
	if err != nil {
		log.Println(err)
	}
	stop()
	<-polling
	if err = st.Shutdown(); err != nil {
		log.Println("error shutting down generator:", err)
	}
	log.Println("generator outputs disabled, exiting")
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
	case "idn":
		idn()
		return
	case "ports":
		ports()
		return
	default:
		log.Fatal("unknown command")
	}
}
