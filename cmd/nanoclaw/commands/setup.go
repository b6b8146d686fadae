package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
)

// newSetupCmd creates the `nanoclaw setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walk through the initial configuration: assistant identity,
channel tokens, and transcription. Secrets go to the OS keyring when
available; everything else is written to the config file.`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg := config.DefaultConfig()

	var (
		telegramToken  string
		webToken       string
		transcribeKey  string
		ownNumber      bool
		enableWeb      bool
		enableTelegram bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Description("Trigger word and outgoing message prefix.").
				Value(&cfg.AssistantName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name must not be empty")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Does the assistant have its own WhatsApp number?").
				Description("On a shared number, bot messages are prefixed with the assistant name.").
				Value(&ownNumber),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to configure later.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the local web client?").
				Value(&enableWeb),
			huh.NewInput().
				Title("Web access token").
				Description("Shared secret for the browser client.").
				EchoMode(huh.EchoModePassword).
				Value(&webToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Transcription API key").
				Description("OpenAI-compatible key for voice notes. Optional.").
				EchoMode(huh.EchoModePassword).
				Value(&transcribeKey),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	cfg.AssistantHasOwnNumber = ownNumber

	// Secrets go to the keyring when possible; the config file only keeps
	// them as a fallback when no keyring is available.
	useKeyring := config.KeyringAvailable()
	storeSecret := func(keyringKey, value string, plain *string) {
		if value == "" {
			return
		}
		if useKeyring {
			if err := config.StoreKeyring(keyringKey, value); err == nil {
				return
			}
		}
		*plain = value
	}
	if enableTelegram {
		storeSecret(config.KeyTelegramToken, telegramToken, &cfg.Telegram.Token)
	}
	if enableWeb {
		storeSecret(config.KeyWebToken, webToken, &cfg.Web.Token)
	}
	storeSecret(config.KeyTranscribeAPIKey, transcribeKey, &cfg.Transcribe.APIKey)

	if err := cfg.Save(configPath); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Configuration written to", configPath)
	if useKeyring {
		fmt.Println("Secrets stored in the OS keyring.")
	} else {
		fmt.Println("No OS keyring available; secrets stored in the config file.")
	}
	fmt.Println("Run `nanoclaw serve` and scan the WhatsApp QR code to finish.")
	return nil
}
