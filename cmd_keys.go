package main

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"securechat/config"
	appcrypto "securechat/crypto"
)

func newKeysCmd(logger func() zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the local identity key",
	}
	cmd.AddCommand(newKeysInitCmd(logger), newKeysFingerprintCmd())
	return cmd
}

func newKeysInitCmd(logger func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config and identity key if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			key, err := appcrypto.EnsureIdentityKey(cfg.IdentityKeyPath)
			if err != nil {
				return err
			}
			log := logger()
			log.Info().Str("key_path", cfg.IdentityKeyPath).Msg("identity key ready")

			fmt.Printf("Client ID:    %s\n", cfg.ClientID)
			fmt.Printf("Fingerprint:  %s\n", appcrypto.FormatFingerprint(appcrypto.KeyFingerprint(key.PublicKey())))
			fmt.Printf("Config File:  %s\n", cfgPath)
			return nil
		},
	}
}

func newKeysFingerprintCmd() *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity key fingerprint for out-of-band verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			key, err := appcrypto.LoadIdentityKey(cfg.IdentityKeyPath)
			if err != nil {
				return fmt.Errorf("no identity key, run `securechat keys init`: %w", err)
			}
			fingerprint := appcrypto.KeyFingerprint(key.PublicKey())
			fmt.Printf("Fingerprint: %s\n", appcrypto.FormatFingerprint(fingerprint))
			if showQR {
				qrterminal.GenerateWithConfig(cfg.ClientID+":"+fingerprint, qrterminal.Config{
					Level:     qrterminal.M,
					Writer:    os.Stdout,
					BlackChar: qrterminal.BLACK,
					WhiteChar: qrterminal.WHITE,
					QuietZone: 1,
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also render the fingerprint as a QR code")
	return cmd
}
