package main

import (
	"fmt"
	"os"

	"trapper_platform/trapper/config"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type options struct {
	envFile     string
	dbUri       string
	mediaDir    string
	externalDir string
}

func (o *options) openDb() (*gorm.DB, error) {
	if o.dbUri == "" {
		return nil, fmt.Errorf("--db_uri or DATABASE_URI must be specified")
	}
	return schema.OpenDb(o.dbUri)
}

func (o *options) stores() (storage.Storage, storage.Storage, error) {
	if o.mediaDir == "" || o.externalDir == "" {
		return nil, nil, fmt.Errorf("--media_dir and --external_dir (or MEDIA_DIR and EXTERNAL_MEDIA_DIR) must be specified")
	}
	return storage.NewSharedDisk(o.mediaDir), storage.NewSharedDisk(o.externalDir), nil
}

func (o *options) settings() (config.Settings, error) {
	return config.Load()
}

func rootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "trapperctl",
		Short:        "Administrative tools for the trapper media platform",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env", "", "File to load env variables from")
	rootCmd.PersistentFlags().StringVar(&opts.dbUri, "db_uri", "", "Database URI, defaults to DATABASE_URI")
	rootCmd.PersistentFlags().StringVar(&opts.mediaDir, "media_dir", "", "Media directory, defaults to MEDIA_DIR")
	rootCmd.PersistentFlags().StringVar(&opts.externalDir, "external_dir", "", "Per user data package directory, defaults to EXTERNAL_MEDIA_DIR")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.envFile != "" {
			if err := godotenv.Load(opts.envFile); err != nil {
				return fmt.Errorf("error loading .env file '%v': %w", opts.envFile, err)
			}
		}
		if opts.dbUri == "" {
			opts.dbUri = os.Getenv("DATABASE_URI")
		}
		if opts.mediaDir == "" {
			opts.mediaDir = os.Getenv("MEDIA_DIR")
		}
		if opts.externalDir == "" {
			opts.externalDir = os.Getenv("EXTERNAL_MEDIA_DIR")
		}
		return nil
	}

	rootCmd.AddCommand(
		validateCommand(),
		workerCommand(opts),
		tasksCommand(opts),
		thumbnailsCommand(opts),
		sequencesCommand(opts),
		speciesCommand(opts),
		uploadCommand(),
	)

	return rootCmd
}
