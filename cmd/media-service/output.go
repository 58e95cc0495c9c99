package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/book-expert/media-service/internal/core"
	"github.com/dustin/go-humanize"
)

// printProviders writes one row per provider in fallback order, followed by
// providers that are registered but currently outside the ranking.
func printProviders(w io.Writer, order []string, descriptors []core.Descriptor) error {
	byName := make(map[string]core.Descriptor, len(descriptors))
	for _, descriptor := range descriptors {
		byName[descriptor.Name] = descriptor
	}

	table := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "RANK\tNAME\tKIND\tMEDIA\tASYNC\tENABLED\tHEALTHY\tCHECKED\tERROR")

	for i, name := range order {
		descriptor, ok := byName[name]
		if !ok {
			continue
		}

		writeProviderRow(table, strconv.Itoa(i+1), descriptor)
		delete(byName, name)
	}

	rest := make([]string, 0, len(byName))
	for name := range byName {
		rest = append(rest, name)
	}

	slices.Sort(rest)

	for _, name := range rest {
		writeProviderRow(table, "-", byName[name])
	}

	err := table.Flush()
	if err != nil {
		return fmt.Errorf("failed to write provider table: %w", err)
	}

	return nil
}

func writeProviderRow(w io.Writer, rank string, descriptor core.Descriptor) {
	media := make([]string, 0, len(descriptor.Capabilities.Media))
	for _, kind := range descriptor.Capabilities.Media {
		media = append(media, string(kind))
	}

	checked := "never"
	if !descriptor.LastChecked.IsZero() {
		checked = humanize.Time(descriptor.LastChecked)
	}

	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%t\t%s\t%s\n",
		rank,
		descriptor.Name,
		descriptor.Kind,
		strings.Join(media, ","),
		descriptor.Capabilities.Async,
		descriptor.Enabled,
		descriptor.Healthy,
		checked,
		descriptor.LastError,
	)
}
