package domain

// Product mirrors the commerce backend's product DTO. The catalog service
// owns these records; this service only reads them to join search results
// and to locate the primary image used for embedding.
type Product struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Price         float64  `json:"price"`
	OriginalPrice *float64 `json:"originalPrice,omitempty"`
	Image         string   `json:"image"`
	Images        []string `json:"images"`
	Category      string   `json:"category"`
	Rating        float64  `json:"rating"`
	Reviews       int      `json:"reviews"`
	Badge         string   `json:"badge,omitempty"`
	Colors        []string `json:"colors,omitempty"`
	Sizes         []string `json:"sizes,omitempty"`
	InStock       bool     `json:"inStock"`
}
