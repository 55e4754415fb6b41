package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/xserver-network/xserverd/internal/config"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/services"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/storage"
	"github.com/xserver-network/xserverd/internal/tier"
)

var version = "dev"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "xserverd",
		Short: "xServer daemon - registry, profile names and price locks",
		Long:  `An xServer node that registers into the shared directory, reserves profile names with its peers and issues fiat price locks.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_PATH or ./config.toml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config, then $CONFIG_PATH, then ./config.toml,
// falling back to defaults when no file exists.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	explicit := path != ""
	if path == "" {
		path = "config.toml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		if explicit {
			return nil, err
		}
		log.Printf("Warning: failed to load config from %s: %v", path, err)
		log.Println("Using default configuration")
		cfg = config.DefaultConfig()
	}
	if cfg.Node.Version == "dev" {
		cfg.Node.Version = version
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url := cfg.Database.DatabaseURL()
			if err := storage.Migrate(url); err != nil {
				return err
			}
			v, dirty, err := storage.MigrationVersion(url)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Printf("address: %s\n", signing.Address(key))
			fmt.Printf("private key: %s\n", hex.EncodeToString(ethcrypto.FromECDSA(key)))
			return nil
		},
	}
}

func signCmd() *cobra.Command {
	var opts signOptions
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a registration, reservation or heartbeat payload",
		Long: `Sign the payload of a server registration (--register), a profile
reservation (--name, --height) or a heartbeat (--heartbeat) with the given
private key. Registrations and heartbeats are signed with the sign key;
pass the node key address with --key-address when it differs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex, _ := cmd.Flags().GetString("key")
			key, err := signing.LoadKey(keyHex)
			if err != nil {
				return err
			}
			address := signing.Address(key)

			payload, registration, err := signPayload(opts, address)
			if err != nil {
				return err
			}
			sig, err := signing.Sign(key, payload)
			if err != nil {
				return err
			}
			fmt.Printf("address: %s\npayload: %s\nsignature: %s\n", address, payload, sig)

			if registration != nil {
				registration.Signature = sig
				body, err := json.MarshalIndent(registration, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("registerserver body:\n%s\n", body)
			}
			return nil
		},
	}

	cmd.Flags().String("key", "", "hex private key (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "profile name to reserve")
	cmd.Flags().Uint64Var(&opts.height, "height", 0, "best block height of the reservation")
	cmd.Flags().Int64Var(&opts.heartbeat, "heartbeat", 0, "unix timestamp of a heartbeat")
	cmd.Flags().BoolVar(&opts.register, "register", false, "sign a server registration")
	cmd.Flags().StringVar(&opts.keyAddress, "key-address", "", "node key address (defaults to the signing key's address)")
	cmd.Flags().StringVar(&opts.profileName, "profile-name", "", "registered profile name")
	cmd.Flags().StringVar(&opts.networkAddress, "network-address", "", "public host or IP of the xServer")
	cmd.Flags().IntVar(&opts.networkPort, "network-port", 0, "public port of the xServer")
	cmd.Flags().StringVar(&opts.feeAddress, "fee-address", "", "fee address (defaults to the key address)")
	cmd.Flags().IntVar(&opts.tier, "tier", int(tier.One), "declared tier")
	cmd.Flags().IntVar(&opts.protocol, "protocol", 1, "network protocol version")
	cmd.MarkFlagRequired("key")

	return cmd
}

type signOptions struct {
	name      string
	height    uint64
	heartbeat int64

	register       bool
	keyAddress     string
	profileName    string
	networkAddress string
	networkPort    int
	feeAddress     string
	tier           int
	protocol       int
}

// signPayload builds the message signer has to sign. For registrations it
// also returns the request body, still missing its signature.
func signPayload(opts signOptions, signer string) (string, *services.RegisterRequest, error) {
	keyAddress := opts.keyAddress
	if keyAddress == "" {
		keyAddress = signer
	}

	switch {
	case opts.register:
		if opts.profileName == "" || opts.networkAddress == "" || opts.networkPort == 0 {
			return "", nil, fmt.Errorf("--register needs --profile-name, --network-address and --network-port")
		}
		feeAddress := opts.feeAddress
		if feeAddress == "" {
			feeAddress = keyAddress
		}
		req := &services.RegisterRequest{
			ProfileName:     opts.profileName,
			NetworkAddress:  opts.networkAddress,
			NetworkPort:     opts.networkPort,
			KeyAddress:      keyAddress,
			SignAddress:     signer,
			FeeAddress:      feeAddress,
			Tier:            tier.Level(opts.tier),
			NetworkProtocol: opts.protocol,
		}
		return req.Payload(), req, nil
	case opts.name != "":
		return models.ReservationPayload(opts.name, signer, opts.height), nil, nil
	case opts.heartbeat > 0:
		return models.HeartbeatPayload(keyAddress, opts.heartbeat), nil, nil
	default:
		return "", nil, fmt.Errorf("one of --register, --name or --heartbeat is required")
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Hash an operator password for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := services.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
