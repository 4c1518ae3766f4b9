package convmgr

import (
	"sort"

	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
)

// SortConvList orders items pinned first, then by Uts descending, ties on
// ConvId. items is sorted in place and returned.
func SortConvList(items []convmodel.ListItem) []convmodel.ListItem {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if a.Uts != b.Uts {
			return a.Uts > b.Uts
		}
		return a.ConvId < b.ConvId
	})
	return items
}
