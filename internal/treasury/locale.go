package treasury

import (
	"time"

	"golang.org/x/text/language"
)

var supportedLocales = []language.Tag{
	language.English,
	language.BrazilianPortuguese,
	language.Indonesian,
}

var localeMatcher = language.NewMatcher(supportedLocales)

var monthNames = [][12]string{
	{"January", "February", "March", "April", "May", "June", "July", "August", "September", "October", "November", "December"},
	{"Janeiro", "Fevereiro", "Março", "Abril", "Maio", "Junho", "Julho", "Agosto", "Setembro", "Outubro", "Novembro", "Dezembro"},
	{"Januari", "Februari", "Maret", "April", "Mei", "Juni", "Juli", "Agustus", "September", "Oktober", "November", "Desember"},
}

// MonthName returns the month name in the closest supported locale.
func MonthName(m time.Month, tag language.Tag) string {
	_, idx, _ := localeMatcher.Match(tag)
	return monthNames[idx][m-1]
}
