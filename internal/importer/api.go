package importer

// ApiResponse models the top-level structure of the upstream listing feed.
type ApiResponse struct {
	Code int `json:"code"`
	Data struct {
		Page     int         `json:"page"`
		PageSize int         `json:"pageSize"`
		Total    int         `json:"total"`
		Items    []ApiRental `json:"items"`
	} `json:"data"`
}

// ApiRental is one stable listing as the upstream feed publishes it. Prices and
// availability arrive as display strings.
type ApiRental struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	Location  string    `json:"location"`
	Price     string    `json:"price"`
	Published bool      `json:"published"`
	Units     []ApiUnit `json:"units"`
}

// ApiUnit is one box of an upstream listing.
type ApiUnit struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	Availability string `json:"availability"`
}
