package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"gatelink/internal/adapter/discovery"
	"gatelink/internal/infra/config"
)

func runDiscover(args []string) error {
	f, _, err := parseFlags("discover", args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	gateways, err := discovery.NewMDNS(discovery.ConfigFrom(rt.cfg.Discovery), rt.log).Browse(ctx)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		fmt.Println("No gateways found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tVERSION\tPROTOCOL")
	for _, gw := range gateways {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", gw.Instance, gw.URL, gw.Version, gw.Protocol)
	}
	return w.Flush()
}

func runEncrypt(argv []string) error {
	_, args, err := parseFlags("encrypt", argv)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: gatelink encrypt VALUE")
	}
	passphrase := os.Getenv(config.ConfigKeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.ConfigKeyEnv)
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
