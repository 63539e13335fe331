package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log or print: every
// credential field is blanked to "***" and shared slices are cloned so
// the copy cannot reach back into the original.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(
		&out.Wallet.PrivateKey,
		&out.Wallet.KeyPassword,
		&out.Futures.ApiKey,
		&out.Futures.ApiSecret,
		&out.Futures.ApiPassphrase,
		&out.Predmarket.ApiKey,
		&out.Predmarket.ApiSecret,
		&out.Predmarket.ApiPassphrase,
		&out.Bridge.ApiKey,
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	)

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	return out
}

// redact blanks each non-empty value. Empty fields stay empty so the
// printed config still shows which credentials are unset.
func redact(fields ...*string) {
	for _, f := range fields {
		if *f != "" {
			*f = redacted
		}
	}
}
