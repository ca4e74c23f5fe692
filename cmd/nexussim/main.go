// Command nexussim runs a multi-node consensus simulation described by a
// JSON config file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gnpaone/nexuschain/config"
	"github.com/gnpaone/nexuschain/crypto"
	"github.com/gnpaone/nexuschain/sim"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new node key and exit")
	writeCfg := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("NEXUS_PASSWORD")

	if *genKey {
		if password == "" {
			logrus.Warn("NEXUS_PASSWORD not set — keystore will use an empty password")
		}
		priv, err := crypto.GenerateKey()
		if err != nil {
			logrus.Fatal(err)
		}
		if err := crypto.SaveKey(*keyPath, password, priv); err != nil {
			logrus.Fatal(err)
		}
		pubPEM, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
		if err != nil {
			logrus.Fatal(err)
		}
		fmt.Printf("Generated key. Public key:\n%s", pubPEM)
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *writeCfg {
		if err := config.Save(config.DefaultConfig(), *cfgPath); err != nil {
			logrus.Fatal(err)
		}
		fmt.Printf("Wrote default config to: %s\n", *cfgPath)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LoggingLevel); err == nil {
		logrus.SetLevel(level)
	}

	engine, err := sim.New(cfg)
	if err != nil {
		logrus.Fatalf("create simulation: %v", err)
	}
	if err := engine.Start(); err != nil {
		logrus.Fatalf("start simulation: %v", err)
	}
	logrus.WithField("run", engine.RunID()).Info("simulation running; Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	engine.Stop()
}
