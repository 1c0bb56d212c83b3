package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/wadispatch/internal/config"
)

var (
	initBusinessID   string
	initPhoneIDs     string
	initBackupIDs    string
	initTimezone     string
	initDeliveryTime string
	initOutput       string
	initAPIKey       string
	initHashKey      bool
	initVerifyToken  string
	initDataDir      string
	initForce        bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize wadispatch configuration",
	Long: `Interactive wizard to create a wadispatch configuration file.

Secrets such as the Cloud API access token and the app secret are not written
to the file; set WA_ACCESS_TOKEN and WA_APP_SECRET in the environment or .env.

Examples:
  # Interactive mode - prompts for missing values
  wadispatch init

  # Non-interactive
  wadispatch init --business-id 1234 --numbers 1001,1002 --backup 1003 --timezone Asia/Kolkata`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initBusinessID, "business-id", "", "WhatsApp Business Account ID")
	initCmd.Flags().StringVar(&initPhoneIDs, "numbers", "", "Comma separated phone number IDs of primary numbers")
	initCmd.Flags().StringVar(&initBackupIDs, "backup", "", "Comma separated phone number IDs of backup numbers")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "", "Delivery time zone (default: Asia/Kolkata)")
	initCmd.Flags().StringVar(&initDeliveryTime, "delivery-time", "", "Daily delivery time HH:MM (default: 06:00)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Operator API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initHashKey, "hash-key", false, "Store only a bcrypt hash of the API key")
	initCmd.Flags().StringVar(&initVerifyToken, "verify-token", "", "Webhook verify token (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/wadispatch", "Data directory for the ledger")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wadispatch Configuration Wizard")
	fmt.Println("===============================")
	fmt.Println()

	if initBusinessID == "" {
		initBusinessID = prompt(reader, "WhatsApp Business Account ID", "")
	}
	if initPhoneIDs == "" {
		initPhoneIDs = prompt(reader, "Primary phone number IDs (comma separated)", "")
		if initPhoneIDs == "" {
			return fmt.Errorf("at least one phone number ID is required")
		}
	}
	if initBackupIDs == "" {
		initBackupIDs = prompt(reader, "Backup phone number IDs (optional)", "")
	}
	if initTimezone == "" {
		initTimezone = prompt(reader, "Delivery time zone", "Asia/Kolkata")
	}
	if initDeliveryTime == "" {
		initDeliveryTime = prompt(reader, "Daily delivery time (HH:MM)", "06:00")
	}
	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	if initVerifyToken == "" {
		initVerifyToken = generateRandomString(24)
		fmt.Printf("  Generated webhook verify token: %s\n", initVerifyToken)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	content, err := generateConfig()
	if err != nil {
		return err
	}

	// refuse to write something serve would reject
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if err := os.WriteFile(initOutput, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateConfig() (string, error) {
	keyLine := fmt.Sprintf("  api_key: %q", initAPIKey)
	if initHashKey {
		hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash API key: %w", err)
		}
		keyLine = fmt.Sprintf("  api_key_hash: %q", string(hash))
	}

	var numbers strings.Builder
	for i, id := range splitIDs(initPhoneIDs) {
		fmt.Fprintf(&numbers, "  - id: \"primary-%d\"\n    phone_number_id: %q\n    role: primary\n    daily_limit: 1000\n", i+1, id)
	}
	for i, id := range splitIDs(initBackupIDs) {
		fmt.Fprintf(&numbers, "  - id: \"backup-%d\"\n    phone_number_id: %q\n    role: backup\n    daily_limit: 1000\n", i+1, id)
	}

	return fmt.Sprintf(`# wadispatch configuration
# Secrets: WA_ACCESS_TOKEN, WA_APP_SECRET (and optionally WA_API_KEY, WA_REDIS_ADDR)

api:
  listen_addr: ":8080"
%s
  # allowed_ips: ["10.0.0.0/8"]

cloud_api:
  api_version: "v18.0"
  business_account_id: %q
  max_retries: 3
  retry_delay: 1s

webhook:
  verify_token: %q
  dedup_ttl: 24h

numbers:
%s
scheduler:
  enabled: true
  timezone: %q
  delivery_time: %q
  window: 2h

templates:
  default_language: "en"

storage:
  path: %q
  attempt_retention: 720h

redis:
  enabled: false
  addr: "localhost:6379"

source:
  type: file
  file: %q

logging:
  level: info
  format: json

metrics:
  enabled: true
  listen_addr: ":9090"
`,
		keyLine,
		initBusinessID,
		initVerifyToken,
		numbers.String(),
		initTimezone,
		initDeliveryTime,
		filepath.Join(initDataDir, "wadispatch.db"),
		filepath.Join(initDataDir, "cohort.yaml"),
	), nil
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Export the Cloud API secrets:")
	fmt.Println("   export WA_ACCESS_TOKEN=...")
	fmt.Println("   export WA_APP_SECRET=...")
	fmt.Println()
	fmt.Println("2. Point the Meta webhook at https://<host>/webhook/whatsapp")
	fmt.Printf("   Verify token: %s\n", initVerifyToken)
	fmt.Println()
	fmt.Println("3. Start the server:")
	fmt.Printf("   wadispatch serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("4. Trigger a test run:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/broadcast \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\"\n", initAPIKey)
	fmt.Println()
}
