package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kam/config"
	"kam/native/bank"
	"kam/native/ledger"
	"kam/native/minter"
	"kam/native/registry"
	"kam/native/settlement"
	"kam/observability/logging"
	"kam/storage"
)

const adminEnv = "KAM_ADMIN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("KAM_ENV"))
	logger := logging.Setup("kamd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	store := storage.NewKVStore(db)

	directory := registry.NewDirectory(store)
	balances := ledger.NewLedger(store)
	token := bank.NewToken(store)
	assetBank := bank.NewBank(store)

	custody := moduleAddress("custody")
	gatewayID := moduleAddress("gateway")
	treasury := moduleAddress("treasury")

	coordinator := settlement.NewEngine(custody, gatewayID, treasury)
	coordinator.SetStore(store)
	coordinator.SetRoles(directory)
	coordinator.SetBalances(balances)
	coordinator.SetToken(token)
	coordinator.SetBank(assetBank)

	gateway := minter.NewEngine(moduleAddress("gateway-escrow"), cfg.ChainID)
	gateway.SetStore(store)
	gateway.SetRoles(directory)
	gateway.SetToken(token)
	gateway.SetBank(assetBank)
	gateway.SetCoordinator(coordinator)
	coordinator.SetGateway(gateway)

	admin, err := bootstrapAdmin(directory)
	if err != nil {
		logger.Error("Failed to bootstrap admin role", slog.Any("error", err))
		os.Exit(1)
	}
	if admin != ([20]byte{}) {
		if err := bootstrapAssets(directory, admin, cfg); err != nil {
			logger.Error("Failed to register configured assets", slog.Any("error", err))
			os.Exit(1)
		}
		if err := applyParams(coordinator, admin, cfg); err != nil {
			logger.Error("Failed to apply settlement parameters", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("No admin configured; skipping asset and parameter bootstrap",
			slog.String("env", adminEnv))
	}

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
		logger.Info("Metrics server listening", slog.String("address", cfg.MetricsAddress))
	}

	logger.Info("Settlement core ready",
		slog.Uint64("chainId", cfg.ChainID),
		slog.String("dataDir", cfg.DataDir),
		slog.Int("assets", len(cfg.Assets)),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")
}

// moduleAddress derives a deterministic account for an internal module role.
func moduleAddress(name string) [20]byte {
	hash := ethcrypto.Keccak256([]byte("kam/module/" + name))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

func bootstrapAdmin(directory *registry.Directory) ([20]byte, error) {
	raw := strings.TrimSpace(os.Getenv(adminEnv))
	if raw == "" {
		return [20]byte{}, nil
	}
	admin, err := parseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", adminEnv, err)
	}
	if err := directory.Grant(registry.RoleAdmin, admin); err != nil {
		return [20]byte{}, err
	}
	return admin, nil
}

func bootstrapAssets(directory *registry.Directory, admin [20]byte, cfg *config.Config) error {
	for _, asset := range cfg.Assets {
		address, err := parseAddress(asset.Address)
		if err != nil {
			return fmt.Errorf("asset %s: %w", asset.Symbol, err)
		}
		mintCap, redeemCap, _ := cfg.AssetCaps(asset.Symbol)
		err = directory.RegisterAsset(admin, address, asset.Symbol, mintCap, redeemCap)
		if err != nil && !errors.Is(err, registry.ErrAlreadyExists) {
			return fmt.Errorf("asset %s: %w", asset.Symbol, err)
		}
	}
	return nil
}

func applyParams(coordinator *settlement.Engine, admin [20]byte, cfg *config.Config) error {
	if cfg.CooldownSeconds > 0 {
		cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
		if err := coordinator.SetCooldown(admin, cooldown); err != nil {
			return err
		}
	}
	return coordinator.SetYieldTolerance(admin, cfg.YieldToleranceBps)
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 2*len(addr) {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %v", raw, err)
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("zero address")
	}
	return addr, nil
}
