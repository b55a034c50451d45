package tokenize

import "strings"

// Stopword lists are deliberately short: store search ignores function
// words, but content words such as "free" or "pro" carry ranking weight and
// must survive.
var stopwordLists = map[string]string{
	"en": `a an and are as at be by for from in into is it its of on or the to with
		your you my our this that app apps`,
	"fr": `a au aux avec ce ces d dans de des du en et il la le les l leur ma mon
		ne ou par pas pour qu que qui sa se son sur ta ton un une vos votre`,
	"es": `a al con de del el en es la las lo los mi o para por que se su sus tu
		un una y`,
	"de": `am an auf aus bei das dem den der des die ein eine einem einen einer
		für im in ist mit oder und von vom zu zum zur`,
	"it": `a al alla con da del della di e gli i il in la le lo per su un una`,
	"pt": `a ao as com da das de do dos e em na no nos o os para por um uma`,
}

var stopwordSets = buildStopwordSets()

func buildStopwordSets() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(stopwordLists))
	for lang, list := range stopwordLists {
		set := make(map[string]struct{})
		for _, w := range strings.Fields(list) {
			set[w] = struct{}{}
		}
		out[lang] = set
	}
	return out
}

// Stopwords returns the stopword set for a locale, falling back to English.
// The returned map is shared and must not be modified.
func Stopwords(locale string) map[string]struct{} {
	if set, ok := stopwordSets[Language(locale)]; ok {
		return set
	}
	return stopwordSets["en"]
}
