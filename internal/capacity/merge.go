package capacity

import (
	"fmt"
	"sort"

	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/usage"
)

// ProductAvailability is the live availability of one product at a site.
type ProductAvailability struct {
	Product   string `json:"product"`
	Capacity  int    `json:"capacity"`
	Used      int    `json:"used"`
	Available int    `json:"available"`
}

// SiteAvailability is the live availability of every product at a site.
type SiteAvailability struct {
	ID   string                `json:"id"`
	Name string                `json:"name,omitempty"`
	GPUs []ProductAvailability `json:"gpus"`
}

// Merged is the capacity table with usage applied.
type Merged struct {
	Sites []SiteAvailability
	// Anomalies report usage that could not be matched to capacity.
	Anomalies []*Anomaly
}

// Anomaly is usage reported for a site or product missing from the table.
type Anomaly struct {
	Kind    error
	Site    string
	Product string
	Count   int
}

func (a *Anomaly) Error() string {
	if a.Product == "" {
		return fmt.Sprintf("%v: site %q", a.Kind, a.Site)
	}
	return fmt.Sprintf("%v: site %q product %q (%d in use)", a.Kind, a.Site, a.Product, a.Count)
}

func (a *Anomaly) Unwrap() error {
	return a.Kind
}

// Merge subtracts usage from the table's capacity, keeping the table's order.
// Available counts are clamped at zero; Used still shows over-subscription.
func Merge(table Table, used usage.Usage) Merged {
	merged := Merged{Sites: make([]SiteAvailability, 0, len(table.Sites))}
	known := make(map[string]map[string]struct{}, len(table.Sites))

	for _, site := range table.Sites {
		products := make(map[string]struct{}, len(site.GPUs))
		row := SiteAvailability{
			ID:   site.ID,
			Name: site.Name,
			GPUs: make([]ProductAvailability, 0, len(site.GPUs)),
		}
		for _, gpu := range site.GPUs {
			products[gpu.Product] = struct{}{}
			inUse := used.Get(site.ID, gpu.Product)
			row.GPUs = append(row.GPUs, ProductAvailability{
				Product:   gpu.Product,
				Capacity:  gpu.Count,
				Used:      inUse,
				Available: max(gpu.Count-inUse, 0),
			})
		}
		known[site.ID] = products
		merged.Sites = append(merged.Sites, row)
	}

	for _, siteID := range used.Sites() {
		products, ok := known[siteID]
		if !ok {
			merged.Anomalies = append(merged.Anomalies, &Anomaly{Kind: fault.ErrUnknownSiteInUsage, Site: siteID})
			continue
		}
		models := make([]string, 0, len(used[siteID]))
		for model := range used[siteID] {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			if _, ok := products[model]; ok {
				continue
			}
			merged.Anomalies = append(merged.Anomalies, &Anomaly{
				Kind:    fault.ErrUnknownProductInUsage,
				Site:    siteID,
				Product: model,
				Count:   used[siteID][model],
			})
		}
	}
	return merged
}
