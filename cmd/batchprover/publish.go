package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/batchprover/internal/core"
	gssh "github.com/3cpo-dev/batchprover/internal/ssh"
)

// Upload a finished output directory
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <output-dir>",
		Short: "Upload a run's output directory to a remote host over SFTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			remoteDir, _ := cmd.Flags().GetString("remote-dir")
			user, _ := cmd.Flags().GetString("user")
			keyPath, _ := cmd.Flags().GetString("key")
			retries, _ := cmd.Flags().GetInt("retries")

			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if user == "" {
				user = cfg.SSH.User
			}
			if user == "" {
				user = os.Getenv("USER")
			}
			if keyPath == "" {
				keyPath = cfg.SSH.KeyPath
			}
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("output dir: %w", err)
			}

			signer, err := gssh.LoadPrivateKeySigner(keyPath)
			if err != nil {
				return err
			}
			kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
			if err != nil {
				return err
			}
			c := &gssh.Client{Addr: host, User: user, Signer: signer, KnownHosts: kh, Timeout: 15 * time.Second, Retries: retries, Backoff: 500 * time.Millisecond}
			cli, err := c.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()

			st, err := gssh.PushDir(cmd.Context(), cli, args[0], remoteDir)
			if err != nil {
				return err
			}
			log.Info().Int("files", st.Files).Int64("bytes", st.Bytes).Dur("duration", st.Duration).Str("host", host).Msg("published")
			fmt.Printf("uploaded %d files (%d bytes) to %s:%s\n", st.Files, st.Bytes, host, remoteDir)
			return nil
		},
	}
	cmd.Flags().String("host", "", "remote host:port")
	cmd.Flags().String("remote-dir", "", "destination directory on the remote host")
	cmd.Flags().String("user", "", "remote user (defaults to config ssh.user, then $USER)")
	cmd.Flags().String("key", "", "private key path (defaults to config ssh.key_path)")
	cmd.Flags().Int("retries", 2, "connection attempts after the first")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("remote-dir")
	return cmd
}

// Generate a publishing key
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key used by publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.SSH.KeyPath); err == nil {
				return fmt.Errorf("key already exists at %s", cfg.SSH.KeyPath)
			}
			pub, err := gssh.GenerateEd25519Keypair(cfg.SSH.KeyPath)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n%s", cfg.SSH.KeyPath, pub)
			return nil
		},
	}
}

// Pin a remote host key
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host> <public-key-file>",
		Short: "Add a host key to the known_hosts file used by publish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			key, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read host key: %w", err)
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], string(key)); err != nil {
				return err
			}
			fmt.Printf("trusted %s in %s\n", args[0], cfg.SSH.KnownHosts)
			return nil
		},
	}
}
