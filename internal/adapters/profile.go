package adapters

import (
	"strings"

	"github.com/rivalwatch/internal/models"
)

// Profile adapts a tenant stage payload
func Profile(data map[string]any) models.Profile {
	url := text(data, "tenant_url", "url")

	name := text(data, "tenant_name", "name")
	if name == "" {
		name = Hostname(url)
	}
	if name == "" {
		name = PlaceholderCompanyName
	}

	id := ident(data, "tenant_id", "id")
	if id == "" {
		id = tenantID(name, url)
	}

	features, _ := stringList(data, "key_features", "features")
	if features == nil {
		features = []string{}
	}

	return models.Profile{
		ID:           id,
		Name:         name,
		URL:          url,
		Description:  textOr(data, overviewPlaceholder(name), "tenant_description", "description"),
		TargetMarket: textOr(data, PlaceholderTargetMarket, "target_market"),
		Features:     features,
	}
}

// tenantID mirrors the backend's own fallback: the lowercased name with
// spaces and dashes folded to underscores.
func tenantID(name, url string) string {
	if name != "" && name != PlaceholderCompanyName {
		return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(name))
	}
	if host := Hostname(url); host != "" {
		return host
	}
	return "tenant"
}
