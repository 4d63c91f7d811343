package main

import (
	"encoding/json"
	"os"

	"github.com/omeid/uconfig"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port                  string `default:"8080"`
		MaxRequestPerInterval uint64 `default:"10"`
		RateLimInterval       string `default:"1s"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
	Chain struct {
		ID          int64  `default:"1"`
		EthEndpoint string `default:"http://localhost:8545"`
	}
	Signer struct {
		KeystoreDir    string `default:".walletd/keystore"`
		PassphraseFile string `default:""`
		// PrivateKey is a development fallback, a hex private key signing in
		// memory instead of the keystore.
		PrivateKey string `default:""`
	}
	DB struct {
		Path string `default:"database.db"`
	}
	GasEstimation struct {
		FeeMarketCapable bool   `default:"true"`
		LegacyAPICapable bool   `default:"false"`
		FeeMarketAPIURL  string `default:""`
		LegacyAPIURL     string `default:""`
		PollInterval     string `default:"30s"`
	}
	Tracker struct {
		PollInterval   string `default:"5s"`
		ResubmitBlocks int64  `default:"3"`
	}
	TxnStore struct {
		HistoryLimit  int    `default:"100"`
		FlushInterval string `default:"1s"`
	}
	Backup                backupConfig
	BootstrapBackupURL    string `default:""`
}

type backupConfig struct {
	Enabled           bool   `default:"false"`
	Dir               string `default:"backups"`
	Frequency         string `default:"4h"`
	EnableVacuum      bool   `default:"true"`
	EnableCompression bool   `default:"true"`
	EnablePruning     bool   `default:"true"`
	KeepFiles         int    `default:"5"`
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}
