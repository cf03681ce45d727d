package billing

// Pack is a purchasable credit bundle.
type Pack struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Credits     int64  `json:"credits"`
	PriceCents  int64  `json:"price_cents"`
	Description string `json:"description,omitempty"`
}

// Packs is the credit pack catalog, ordered cheapest first.
var Packs = []Pack{
	{ID: "starter", Name: "Starter", Credits: 10, PriceCents: 499, Description: "10 try-ons"},
	{ID: "plus", Name: "Plus", Credits: 50, PriceCents: 1999, Description: "50 try-ons"},
	{ID: "studio", Name: "Studio", Credits: 200, PriceCents: 5999, Description: "200 try-ons"},
}

// GetPack returns the pack with the given ID, or nil if unknown.
func GetPack(id string) *Pack {
	for i := range Packs {
		if Packs[i].ID == id {
			return &Packs[i]
		}
	}
	return nil
}
