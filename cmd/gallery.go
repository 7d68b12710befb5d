package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-presence/internal/config"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect the reference gallery",
}

var galleryInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print gallery contents",
	RunE:  runGalleryInfo,
}

var galleryValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the gallery loads cleanly",
	RunE:  runGalleryValidate,
}

func init() {
	galleryCmd.AddCommand(galleryInfoCmd)
	galleryCmd.AddCommand(galleryValidateCmd)
	rootCmd.AddCommand(galleryCmd)
}

func runGalleryInfo(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, closeStore, err := newGalleryStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	snap, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load gallery: %w", err)
	}

	fmt.Printf("Gallery version: %s\n", snap.Version)
	fmt.Printf("Embedding dim:   %d\n", snap.Dim())
	fmt.Printf("People:          %d\n", snap.People())
	fmt.Printf("References:      %d\n", snap.Refs())
	for _, e := range snap.Entries() {
		fmt.Printf("  %-30s %d embeddings\n", e.Name, len(e.Embeddings))
	}
	return nil
}

func runGalleryValidate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, closeStore, err := newGalleryStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	snap, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("gallery is invalid: %w", err)
	}

	fmt.Printf("Gallery OK: %d people, %d references, dim %d\n",
		snap.People(), snap.Refs(), snap.Dim())
	return nil
}
