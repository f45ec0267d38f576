package normalize

import (
	"strings"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var platformMarkers = []struct {
	markers []string
	set     func(*crawler.Platforms)
}{
	{[]string{"windows", "win", "pc"}, func(p *crawler.Platforms) { p.Windows = true }},
	{[]string{"mac", "macos", "os x", "osx"}, func(p *crawler.Platforms) { p.Mac = true }},
	{[]string{"linux", "steamos", "steam os"}, func(p *crawler.Platforms) { p.Linux = true }},
	{[]string{"playstation", "ps3", "ps4", "ps5"}, func(p *crawler.Platforms) { p.PlayStation = true }},
	{[]string{"xbox"}, func(p *crawler.Platforms) { p.Xbox = true }},
	{[]string{"switch", "nintendo"}, func(p *crawler.Platforms) { p.Switch = true }},
}

// ParsePlatforms maps platform names and icon labels onto availability flags.
func ParsePlatforms(in []string) crawler.Platforms {
	var p crawler.Platforms
	for _, raw := range in {
		padded := " " + fold(raw) + " "
		for _, pm := range platformMarkers {
			for _, marker := range pm.markers {
				if strings.Contains(padded, " "+marker+" ") {
					pm.set(&p)
					break
				}
			}
		}
	}
	return p
}
