// Package confloader loads fwserve configuration from layered sources.
//
// Sources, later overriding earlier:
//
//  1. Defaults already present in the target struct
//  2. YAML configuration file
//  3. Environment variables (FWSERVE_SECTION_KEY)
//  4. Command-line overrides
//
// A Watcher reports changes to the configuration file so selected settings
// can be re-applied without a restart.
package confloader
