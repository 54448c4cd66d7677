/*
Package server provides the HTTP interface to slide pyramids.  It opens the
stores named in a TOML configuration, wires the descriptor registry and the tile
source on top of them, and serves series info, Deep Zoom descriptors and tiles.

A minimal configuration:

	[server]
	httpAddress = "localhost:8000"

	[logging]
	logfile = "wsi.log"
	max_log_size = 500 # MB
	max_log_age = 30   # days

	[store.slides]
	engine = "bucket"
	ref = "gs://my-slides"
	layout = "packed"

	[store.levels]
	engine = "badger"
	path = "levels"

	[backend]
	metadata = "slides"
	tiles = "slides"
	levels = "levels"

	[cache.tiles]
	size = 256 # MB

	[synthesis]
	on_access = true
	format = "jpg"
	quality = 85

The levels store is optional.  Without it, pyramids are served with only their
native levels.
*/
package server
