// Package ogc builds WFS GetFeature requests and converts GeoJSON feature
// collections to and from the cache's feature model.
package ogc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

const DefaultGeometryAttr = "geom"

func OWSEndpoint(geoServerBase string) string {
	return strings.TrimRight(geoServerBase, "/") + "/ows"
}

func BuildGetFeatureParams(layer string, f model.Filter, geomAttr string) url.Values {
	return BuildGetFeatureParamsFormat(layer, f, geomAttr, "application/json")
}

// BuildGetFeatureParamsFormat uses the plain bbox parameter for spatial-only
// filters. WFS does not allow bbox together with cql_filter, so conditions
// move the bbox into the CQL expression.
func BuildGetFeatureParamsFormat(layer string, f model.Filter, geomAttr, outputFormat string) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", layer)

	cql := f.CQL()
	switch {
	case f.BBox != nil && cql == "":
		params.Set("bbox", f.BBox.String())
	case f.BBox != nil:
		if strings.TrimSpace(geomAttr) == "" {
			geomAttr = DefaultGeometryAttr
		}
		b := f.BBox
		params.Set("cql_filter", fmt.Sprintf("BBOX(%s,%s,%s,%s,%s) AND (%s)",
			geomAttr, num(b.MinX), num(b.MinY), num(b.MaxX), num(b.MaxY), cql))
	case cql != "":
		params.Set("cql_filter", cql)
	}

	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = "application/json"
	}
	params.Set("outputFormat", outputFormat)
	return params
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
