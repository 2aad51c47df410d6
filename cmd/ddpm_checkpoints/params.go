// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Params prints the context hyperparameters saved with the checkpoints.
func Params(runs []*run) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newRunsTable(runs, "Scope", "Name", "Type")

	type scopeKey struct{ Scope, Key string }
	scopeKeySet := sets.Make[scopeKey]()
	for _, r := range runs {
		r.Ctx.EnumerateParams(func(scope, key string, value any) {
			scopeKeySet.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	scopeKeys := slices.SortedFunc(maps.Keys(scopeKeySet), func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	for _, pair := range scopeKeys {
		row := make([]string, len(runs)+3)
		row[0], row[1] = pair.Scope, pair.Key
		for ii, r := range runs {
			ctx := r.Ctx
			if pair.Scope != "/" {
				ctx = ctx.InAbsPath(pair.Scope)
			}
			value, found := ctx.GetParam(pair.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.Add(row...)
	}
	fmt.Println(table.Render())
}
