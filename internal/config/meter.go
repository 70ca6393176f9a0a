package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/gridpay/meterd/internal/models"
)

// Config carries the deployment settings of one meter: identity,
// transport, storage backend and the logical names of the payment
// objects it hosts.
type Config struct {
	Serial         string `validate:"required"`
	Port           int    `validate:"gte=1,lte=65535"`
	StorageBackend string `validate:"oneof=memory sqlite postgres redis"`
	TokenWindow    int    `validate:"gte=1,lte=200"`
	JWTSecret      string

	AccountName string   `validate:"obis"`
	GatewayName string   `validate:"obis"`
	AckName     string   `validate:"obis"`
	CreditNames []string `validate:"min=1,dive,obis"`
	ChargeNames []string `validate:"dive,obis"`

	CurrencyName       string `validate:"required,max=3"`
	CurrencyScale      int    `validate:"gte=-128,lte=127"`
	UnitPrice          int    `validate:"gte=0"`
	PriceScale         int    `validate:"gte=-128,lte=127"`
	CommodityScale     int    `validate:"gte=-128,lte=127"`
	ChargePeriod       int    `validate:"gte=1,lte=60"`
	EmergencyPreset    int    `validate:"gte=0"`
	ClearanceThreshold int
	WarningThreshold   int `validate:"gte=0"`
}

func setDefaults() {
	viper.SetDefault("meter.serial", "MTR001")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("gateway.token_window", models.StoredTokenWindow)

	viper.SetDefault("objects.account", "0.0.19.0.0.255")
	viper.SetDefault("objects.gateway", "0.0.19.40.0.255")
	viper.SetDefault("objects.ack", "0.0.19.41.0.255")
	viper.SetDefault("objects.credits", []string{"0.0.19.10.0.255"})
	viper.SetDefault("objects.charges", []string{"0.0.19.20.0.255"})

	viper.SetDefault("tariff.currency_name", "MDL")
	viper.SetDefault("tariff.currency_scale", -2)
	viper.SetDefault("tariff.unit_price", 100)
	viper.SetDefault("tariff.price_scale", -2)
	viper.SetDefault("tariff.commodity_scale", 0)
	viper.SetDefault("tariff.charge_period", 60)
	viper.SetDefault("tariff.emergency_preset", 0)
	viper.SetDefault("tariff.clearance_threshold", 0)
	viper.SetDefault("tariff.warning_threshold", 0)
}

// Load reads the configuration from viper and validates it.
func Load() (*Config, error) {
	setDefaults()

	cfg := &Config{
		Serial:         viper.GetString("meter.serial"),
		Port:           viper.GetInt("server.port"),
		StorageBackend: viper.GetString("storage.backend"),
		TokenWindow:    viper.GetInt("gateway.token_window"),
		JWTSecret:      viper.GetString("jwt.secret_key"),

		AccountName: viper.GetString("objects.account"),
		GatewayName: viper.GetString("objects.gateway"),
		AckName:     viper.GetString("objects.ack"),
		CreditNames: viper.GetStringSlice("objects.credits"),
		ChargeNames: viper.GetStringSlice("objects.charges"),

		CurrencyName:       viper.GetString("tariff.currency_name"),
		CurrencyScale:      viper.GetInt("tariff.currency_scale"),
		UnitPrice:          viper.GetInt("tariff.unit_price"),
		PriceScale:         viper.GetInt("tariff.price_scale"),
		CommodityScale:     viper.GetInt("tariff.commodity_scale"),
		ChargePeriod:       viper.GetInt("tariff.charge_period"),
		EmergencyPreset:    viper.GetInt("tariff.emergency_preset"),
		ClearanceThreshold: viper.GetInt("tariff.clearance_threshold"),
		WarningThreshold:   viper.GetInt("tariff.warning_threshold"),
	}

	v := validator.New()
	v.RegisterValidation("obis", func(fl validator.FieldLevel) bool {
		_, err := models.ParseObisString(fl.Field().String())
		return err == nil
	})
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Currency returns the configured account currency.
func (c *Config) Currency() models.Currency {
	return models.Currency{
		Name:  c.CurrencyName,
		Scale: int8(c.CurrencyScale),
		Unit:  models.CurrencyMonetary,
	}
}

// ParseGatewayName returns the gateway logical name.
func (c *Config) ParseGatewayName() (models.ObisCode, error) {
	return models.ParseObisString(c.GatewayName)
}

// ParseAckName returns the acknowledgement record logical name.
func (c *Config) ParseAckName() (models.ObisCode, error) {
	return models.ParseObisString(c.AckName)
}

// AccountConfig assembles the account object configuration.
func (c *Config) AccountConfig() (models.AccountConfig, error) {
	ln, err := models.ParseObisString(c.AccountName)
	if err != nil {
		return models.AccountConfig{}, err
	}
	cfg := models.AccountConfig{
		LogicalName:        ln,
		Mode:               models.ModePrepayment,
		ClearanceThreshold: int32(c.ClearanceThreshold),
		Currency:           c.Currency(),
	}
	for _, name := range c.CreditNames {
		ref, err := models.ParseObisString(name)
		if err != nil {
			return models.AccountConfig{}, err
		}
		cfg.CreditRefs = append(cfg.CreditRefs, ref)
	}
	for _, name := range c.ChargeNames {
		ref, err := models.ParseObisString(name)
		if err != nil {
			return models.AccountConfig{}, err
		}
		cfg.ChargeRefs = append(cfg.ChargeRefs, ref)
	}
	return cfg, nil
}

// CreditConfigs assembles the credit object configurations. The first
// credit is the token credit; any further names become emergency
// credits refilled to the configured preset.
func (c *Config) CreditConfigs() ([]models.CreditConfig, error) {
	var out []models.CreditConfig
	for i, name := range c.CreditNames {
		ln, err := models.ParseObisString(name)
		if err != nil {
			return nil, err
		}
		cfg := models.CreditConfig{
			LogicalName:      ln,
			Type:             models.CreditTypeToken,
			Priority:         uint8(i + 1),
			WarningThreshold: int32(c.WarningThreshold),
		}
		if i > 0 {
			cfg.Type = models.CreditTypeEmergency
			cfg.PresetAmount = int32(c.EmergencyPreset)
			cfg.Config = models.CreditCfgRequiresRepayment
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ChargeConfigs assembles the charge object configurations: continuous
// consumption charges priced from the tariff settings.
func (c *Config) ChargeConfigs() ([]models.ChargeConfig, error) {
	var out []models.ChargeConfig
	for i, name := range c.ChargeNames {
		ln, err := models.ParseObisString(name)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChargeConfig{
			LogicalName: ln,
			Type:        models.ChargeConsumptionBased,
			Priority:    uint8(i + 1),
			Config:      models.ChargeCfgContinuous,
			Period:      uint32(c.ChargePeriod),
			UnitChargeInit: models.UnitCharge{
				Scaling: models.ChargePerUnitScaling{
					CommodityScale: int8(c.CommodityScale),
					PriceScale:     int8(c.PriceScale),
				},
				Commodity: models.CommodityReference{
					ClassID:        models.ClassRegister,
					LogicalName:    models.ObisCode{1, 0, 1, 8, 0, 255},
					AttributeIndex: 2,
				},
				Table: []models.ChargeTableElement{{Price: int16(c.UnitPrice)}},
			},
		})
	}
	return out, nil
}
