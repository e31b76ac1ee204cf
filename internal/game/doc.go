// Package game holds the periodic game-world jobs driven by the scheduler:
// fan loyalty decay, idle skill decay and the weekly song charts.
package game
