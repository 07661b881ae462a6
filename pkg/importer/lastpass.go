package importer

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColExtra    = "extra"
	lpColName     = "name"

	// lpSecureNoteURL marks secure notes, which have no website.
	lpSecureNoteURL = "http://sn"
)

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data. Values may be HTML-encoded.
func (p *LastPassParser) Parse(data []byte) (*ImportResult, error) {
	c := newCollector()
	err := readCSV(data, lpColName, c, func(get func(string) string) {
		value := func(col string) string { return DecodeHTMLEntities(get(col)) }

		name := value(lpColName)
		u := value(lpColURL)
		if u == lpSecureNoteURL {
			c.skip(name, "secure note")
			return
		}
		c.add(name, []string{u}, value(lpColUsername), value(lpColPassword), value(lpColExtra))
	})
	if err != nil {
		return nil, err
	}
	return c.result, nil
}
