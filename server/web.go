package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/pyramid"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/registry"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/storage"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/tilesource"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

const webHelp = `
API for the slide server (%s)
=============================

GET  /api/help
	Returns this help.

GET  /api/server/info
	Returns JSON with server settings, registered engines, built series and tile
	cache statistics.

GET  /api/series/<series>/info
	Returns JSON describing the pyramid of a series with levels in viewer order,
	i.e., level 0 is the most zoomed out.  The pyramid is built on first access.

GET  /api/series/<series>/dzi[?format=jpg]
	Returns a Deep Zoom descriptor for pyramids whose levels halve in size.

GET  /api/series/<series>/tile/<level>/<col>_<row>[.<format>][?quality=80][&dzi=true]
	Returns a tile of the given viewer level.  Format is png (default), jpg or tif.
	Tiles on the right and bottom edges are cropped to the image.  If dzi=true, the
	level is a Deep Zoom level.

POST /api/series/<series>/synthesize
	Synthesizes missing coarse levels so the pyramid reaches a single tile.

DELETE /api/series/<series>
	Forgets the pyramid of a series, including synthesized levels and cached tiles.
`

const deepZoomNamespace = "http://schemas.microsoft.com/deepzoom/2008"

var tileRE = regexp.MustCompile(`^/api/series/(?P<series>[^/]+)/tile/(?P<level>\d+)/(?P<col>\d+)_(?P<row>\d+)(\.(?P<format>\w+))?$`)

func (s *Service) initRoutes() *web.Mux {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(logHTTPMiddleware)
	if len(s.config.Server.CorsDomains) != 0 {
		mux.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.Server.CorsDomains,
			AllowedMethods: []string{"GET", "POST", "DELETE"},
		}).Handler)
	}

	mux.Get(WebAPIPath+"help", s.helpHandler)
	mux.Get(WebAPIPath+"server/info", s.serverInfoHandler)
	mux.Get(WebAPIPath+"series/:series/info", s.seriesInfoHandler)
	mux.Get(WebAPIPath+"series/:series/dzi", s.dziHandler)
	mux.Get(tileRE, s.tileHandler)
	mux.Post(WebAPIPath+"series/:series/synthesize", s.synthesizeHandler)
	mux.Delete(WebAPIPath+"series/:series", s.invalidateHandler)
	if s.pool != nil {
		mux.Handle("/_groupcache/*", s.pool)
	}
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, r, http.StatusNotFound, "no such endpoint")
	})
	return mux
}

// logHTTPMiddleware logs each request and its duration at debug level.
func logHTTPMiddleware(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := wsi.NewTimeLog()
		h.ServeHTTP(w, r)
		timedLog.Debugf("HTTP %s: %s [%s]", r.Method, r.URL, middleware.GetReqID(*c))
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes a message with status 400 and logs it.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusBadRequest, format, args...)
}

func httpError(w http.ResponseWriter, r *http.Request, status int, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	if status >= http.StatusInternalServerError {
		wsi.Errorf("%s\n", errorMsg)
	} else {
		wsi.Infof("%s\n", errorMsg)
	}
	http.Error(w, errorMsg, status)
}

// errorStatus maps errors from the registry and tile source to HTTP status.
func errorStatus(err error) int {
	var oob *pyramid.TileOutOfBoundsError
	var lor *pyramid.LevelOutOfRangeError
	var fetchErr *tilesource.TileFetchError
	switch {
	case errors.As(err, &oob), errors.As(err, &lor), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case registry.IsFatal(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpError(w, r, errorStatus(err), "%v", err)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		httpError(w, r, http.StatusInternalServerError, "unable to encode JSON: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonBytes)
}

func (s *Service) helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, webHelp, s.config.WebServer())
}

func (s *Service) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	stores := make(map[string]string, len(s.stores))
	for alias, store := range s.stores {
		stores[alias] = store.String()
	}
	stats := s.tiles.Stats()
	info := struct {
		Host          string
		Note          string `json:",omitempty"`
		Started       string
		Engines       []string
		Stores        map[string]string
		CanSynthesize bool
		Series        []registry.Status
		TileCache     tilesource.Stats
		TileCacheSize string
	}{
		Host:          s.config.WebServer(),
		Note:          s.config.Server.Note,
		Started:       humanize.Time(s.started),
		Engines:       storage.EnginesAvailable(),
		Stores:        stores,
		CanSynthesize: s.registry.CanSynthesize(),
		Series:        s.registry.Entries(),
		TileCache:     stats,
		TileCacheSize: humanize.Bytes(uint64(stats.CacheBytes)),
	}
	writeJSON(w, r, info)
}

// LevelInfo describes the storage level serving a viewer level.
type LevelInfo struct {
	ViewerLevel    int
	StorageLevel   int
	Width          int
	Height         int
	Downsample     float64
	TilesPerRow    int
	TilesPerColumn int
	Source         string
	Synthesized    bool
}

// SeriesInfo is the JSON returned for a series.
type SeriesInfo struct {
	SeriesID   string
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
	Topology   string
	Native     string
	Regular    bool
	Levels     []LevelInfo
	Built      time.Time
}

func (s *Service) seriesInfoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	seriesID := c.URLParams["series"]
	desc, mapper, _, err := s.tiles.View(r.Context(), seriesID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info := SeriesInfo{
		SeriesID:   desc.SeriesID,
		Width:      desc.Width,
		Height:     desc.Height,
		TileWidth:  desc.TileWidth,
		TileHeight: desc.TileHeight,
		Topology:   desc.Topology.String(),
		Native:     desc.Native.String(),
		Regular:    mapper.Regular(),
		Built:      desc.Built,
	}
	for v := 0; v < mapper.NumViewerLevels(); v++ {
		level, err := mapper.ToStorage(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		l := desc.Levels[level]
		info.Levels = append(info.Levels, LevelInfo{
			ViewerLevel:    v,
			StorageLevel:   level,
			Width:          l.Width,
			Height:         l.Height,
			Downsample:     l.Downsample,
			TilesPerRow:    l.TilesPerRow,
			TilesPerColumn: l.TilesPerColumn,
			Source:         l.Source,
			Synthesized:    l.Synthesized,
		})
	}
	writeJSON(w, r, info)
}

type dziImage struct {
	XMLName  xml.Name `xml:"Image"`
	Xmlns    string   `xml:"xmlns,attr"`
	Format   string   `xml:"Format,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Size     dziSize  `xml:"Size"`
}

type dziSize struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

// dziLevelOffset returns the Deep Zoom level of viewer level 0.  Deep Zoom
// counts levels from a 1 x 1 image.
func dziLevelOffset(desc *pyramid.Descriptor, mapper *pyramid.LevelMapper) int {
	maxDim := desc.Width
	if desc.Height > maxDim {
		maxDim = desc.Height
	}
	var n int
	for (1 << uint(n)) < maxDim {
		n++
	}
	return n - (mapper.NumViewerLevels() - 1)
}

func (s *Service) dziHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	seriesID := c.URLParams["series"]
	formatStr := r.URL.Query().Get("format")
	if formatStr == "" {
		formatStr = "png"
	}
	format, err := wsi.ParseFormat(formatStr)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	desc, mapper, _, err := s.tiles.View(r.Context(), seriesID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !mapper.Regular() || desc.TileWidth != desc.TileHeight {
		httpError(w, r, http.StatusConflict, "series %q: Deep Zoom needs square tiles and levels that halve in size", seriesID)
		return
	}
	ext := format.String()
	if format == wsi.JPEG {
		ext = "jpg"
	}
	img := dziImage{
		Xmlns:    deepZoomNamespace,
		Format:   ext,
		TileSize: desc.TileWidth,
		Size:     dziSize{Width: desc.Width, Height: desc.Height},
	}
	out, err := xml.MarshalIndent(img, "", "  ")
	if err != nil {
		httpError(w, r, http.StatusInternalServerError, "unable to encode Deep Zoom XML: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, "%s%s\n", xml.Header, out)
}

func (s *Service) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	seriesID := c.URLParams["series"]
	var coords [3]int
	for i, name := range []string{"level", "col", "row"} {
		v, err := strconv.Atoi(c.URLParams[name])
		if err != nil {
			BadRequest(w, r, "bad tile %s %q", name, c.URLParams[name])
			return
		}
		coords[i] = v
	}
	level, col, row := coords[0], coords[1], coords[2]

	queryStrings := r.URL.Query()
	formatStr := c.URLParams["format"]
	if formatStr == "" {
		formatStr = "png"
	}
	if _, err := wsi.ParseFormat(formatStr); err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	if quality := queryStrings.Get("quality"); quality != "" {
		if _, err := strconv.Atoi(quality); err != nil {
			BadRequest(w, r, "bad quality %q", quality)
			return
		}
		formatStr += ":" + quality
	}

	if queryStrings.Get("dzi") == "true" {
		desc, mapper, _, err := s.tiles.View(r.Context(), seriesID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		level -= dziLevelOffset(desc, mapper)
	}

	tile, err := s.tiles.Get(r.Context(), seriesID, level, col, row)
	if err != nil {
		var fetchErr *tilesource.TileFetchError
		if s.config.Server.Placeholder && errors.As(err, &fetchErr) {
			wsi.Warningf("Serving placeholder for series %q tile %d/%d_%d: %v\n", seriesID, level, col, row, err)
			w.Header().Set("X-Placeholder", "true")
			loc := fetchErr.Locator
			if err := wsi.WriteImageHttp(w, wsi.PlaceholderImage(loc.Width, loc.Height), formatStr); err != nil {
				httpError(w, r, http.StatusInternalServerError, "%v", err)
			}
			return
		}
		writeError(w, r, err)
		return
	}
	if err := wsi.WriteImageHttp(w, tile.Image, formatStr); err != nil {
		httpError(w, r, http.StatusInternalServerError, "%v", err)
	}
}

func (s *Service) synthesizeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	seriesID := c.URLParams["series"]
	if !s.registry.CanSynthesize() {
		httpError(w, r, http.StatusConflict, "no store configured for synthesized levels")
		return
	}
	desc, err := s.registry.Synthesize(r.Context(), seriesID, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, struct {
		SeriesID    string
		Levels      int
		Synthesized int
	}{desc.SeriesID, desc.NumLevels(), desc.NumSynthesized()})
}

func (s *Service) invalidateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	seriesID := c.URLParams["series"]
	if err := s.registry.Invalidate(r.Context(), seriesID); err != nil {
		httpError(w, r, http.StatusInternalServerError, "unable to invalidate series %q: %v", seriesID, err)
		return
	}
	s.tiles.Invalidate(seriesID)
	writeJSON(w, r, map[string]string{"Invalidated": seriesID})
}
