package main

import (
	"flag"
	"os"

	"github.com/li041/RocketOS/kernel/kfmt"
	"github.com/li041/RocketOS/kernel/kmain"
)

// main is the hosted entry point. It plays the role of the bootloader: it
// reads the machine description and hands control to the kernel main
// entrypoint.
func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON machine description")
		imagePath  = flag.String("image", "", "ELF executable to load after boot")
		interpPath = flag.String("interp", "", "program interpreter for dynamically linked images")
	)
	flag.Parse()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[rocketos] ")})

	cfg := kmain.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kmain.LoadConfig(*configPath); err != nil {
			kfmt.Panic(err)
		}
	}

	kmain.Kmain(cfg, *imagePath, *interpPath)
}
