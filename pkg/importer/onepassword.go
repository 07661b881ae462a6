package importer

// OnePasswordParser parses 1Password CSV export files:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

const (
	op1ColTitle    = "title"
	op1ColWebsite  = "website"
	op1ColUsername = "username"
	op1ColPassword = "password"
	op1ColArchived = "archived"
	op1ColNotes    = "notes"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived items are skipped.
func (p *OnePasswordParser) Parse(data []byte) (*ImportResult, error) {
	c := newCollector()
	err := readCSV(data, op1ColTitle, c, func(get func(string) string) {
		title := get(op1ColTitle)
		if archived := get(op1ColArchived); archived == "true" || archived == "1" {
			c.skip(title, "archived")
			return
		}
		c.add(title, []string{get(op1ColWebsite)}, get(op1ColUsername), get(op1ColPassword), get(op1ColNotes))
	})
	if err != nil {
		return nil, err
	}
	return c.result, nil
}
