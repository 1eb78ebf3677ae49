package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kardianos/service"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/config"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/protocol"
)

const (
	serviceName        = "wanhub"
	serviceDisplayName = "Wanhub"
	serviceDescription = "Wanhub message hub"
)

func main() {
	configPath := flag.String("config", "wanhub.toml", "hub config file")
	initKind := flag.String("init", "", "write a config template (hub|ping) to -config and exit")
	keygen := flag.Int("keygen", 0, "generate an RSA key pair of this many bits at the configured key paths and exit")
	action := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	flag.Parse()

	if err := run(*configPath, *initKind, *keygen, *action); err != nil {
		fmt.Fprintf(os.Stderr, "wanhub: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, initKind string, keygen int, action string) error {
	if initKind != "" {
		if err := config.WriteTemplate(configPath, initKind, false); err != nil {
			return err
		}
		fmt.Printf("wrote %s template to %s\n", initKind, configPath)
		return nil
	}

	cfg, err := config.LoadHubConfig(configPath)
	if err != nil {
		return err
	}
	logs.ConfigureRuntimeLevel(cfg.LogLevel)

	if keygen > 0 {
		return generateKeys(cfg, keygen)
	}

	prg := newProgram(cfg)
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		prg.foreground = true
		return prg.serve(context.Background())
	}

	svc, err := service.New(prg, serviceConfig(configPath))
	if err != nil {
		return err
	}
	if action == "run" {
		return svc.Run()
	}
	if err := service.Control(svc, action); err != nil {
		return fmt.Errorf("service %s: %w", action, err)
	}
	fmt.Printf("service %s: ok\n", action)
	return nil
}

func serviceConfig(configPath string) *service.Config {
	args := []string{"-service", "run"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   args,
	}
}

func generateKeys(cfg config.HubConfig, bits int) error {
	priv := strings.TrimSpace(cfg.Keys.PrivateKey)
	pub := strings.TrimSpace(cfg.Keys.PublicKey)
	if priv == "" || pub == "" {
		return fmt.Errorf("keygen needs keys.private_key and keys.public_key")
	}
	if size := (bits + 7) / 8; size > auth.MaxSignatureSize {
		return fmt.Errorf("%w: %d-bit keys sign with %d bytes, at most %d fit", protocol.ErrMessageTooLarge, bits, size, auth.MaxSignatureSize)
	}
	kp, err := pki.GenerateRSA(bits)
	if err != nil {
		return err
	}
	if err := kp.WriteFiles(priv, pub); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s fingerprint=%s\n", priv, pub, kp.Fingerprint())
	return nil
}
