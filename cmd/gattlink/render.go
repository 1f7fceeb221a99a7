package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/pkg/config"
)

// renderer prints lifecycle events and service catalogs.
type renderer interface {
	Event(e gatt.Event)
	Services(c *gatt.ServiceCatalog)
}

func newRenderer(w io.Writer, format string) renderer {
	if strings.EqualFold(format, config.FormatJSON) {
		return &jsonRenderer{enc: json.NewEncoder(w)}
	}
	return newTextRenderer(w, isTerminal(w))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// displayName renders "Name (uuid)", or the bare UUID for unassigned numbers.
func displayName(name, uuid string) string {
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", name, uuid)
}

type textRenderer struct {
	w      io.Writer
	header *color.Color
	value  *color.Color
	status *color.Color
	down   *color.Color
}

func newTextRenderer(w io.Writer, colors bool) *textRenderer {
	r := &textRenderer{
		w:      w,
		header: color.New(color.FgCyan, color.Bold),
		value:  color.New(color.FgGreen, color.Bold),
		status: color.New(color.FgBlue),
		down:   color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{r.header, r.value, r.status, r.down} {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

func (r *textRenderer) Event(e gatt.Event) {
	switch e.Action {
	case gatt.ActionConnected:
		fmt.Fprintln(r.w, r.status.Sprintf("Connected to %s", e.Address))
	case gatt.ActionDisconnected:
		fmt.Fprintln(r.w, r.down.Sprintf("Disconnected from %s", e.Address))
	case gatt.ActionServicesDiscovered:
		fmt.Fprintln(r.w, r.status.Sprintf("Discovered %d services", e.Catalog.Len()))
	case gatt.ActionDataAvailable:
		if e.Characteristic == nil || e.Value == nil {
			return
		}
		fmt.Fprintf(r.w, "%s: %s\n",
			displayName(e.Characteristic.Name, e.Characteristic.UUID),
			r.value.Sprint(e.Value.String()))
	}
}

func (r *textRenderer) Services(c *gatt.ServiceCatalog) {
	for _, svc := range c.Services() {
		fmt.Fprintln(r.w, r.header.Sprint(displayName(svc.Name, svc.UUID)))
		for _, ch := range svc.Characteristics() {
			fmt.Fprintf(r.w, "  %s [%s]\n", displayName(ch.Name, ch.UUID), ch.Properties)
			for _, d := range ch.Descriptors {
				fmt.Fprintf(r.w, "    %s\n", displayName(d.Name, d.UUID))
			}
		}
	}
}

// jsonRenderer writes one JSON object per line with a stable key order.
type jsonRenderer struct {
	enc *json.Encoder
}

func (r *jsonRenderer) Event(e gatt.Event) {
	obj := orderedmap.New[string, any]()
	obj.Set("action", string(e.Action))
	obj.Set("address", e.Address)
	obj.Set("time", e.Time.Format(time.RFC3339Nano))

	switch e.Action {
	case gatt.ActionServicesDiscovered:
		obj.Set("services", e.Catalog.Len())
	case gatt.ActionDataAvailable:
		if e.Characteristic == nil || e.Value == nil {
			return
		}
		obj.Set("service", e.Characteristic.Service)
		obj.Set("characteristic", e.Characteristic.UUID)
		obj.Set("name", e.Characteristic.Name)
		obj.Set("kind", e.Value.Kind.String())
		obj.Set("value", e.Value.String())
	}
	_ = r.enc.Encode(obj)
}

func (r *jsonRenderer) Services(c *gatt.ServiceCatalog) {
	services := make([]any, 0, c.Len())
	for _, svc := range c.Services() {
		chars := make([]any, 0)
		for _, ch := range svc.Characteristics() {
			descs := make([]string, 0, len(ch.Descriptors))
			for _, d := range ch.Descriptors {
				descs = append(descs, d.UUID)
			}
			props := ch.Properties.Names()
			if props == nil {
				props = []string{}
			}
			co := orderedmap.New[string, any]()
			co.Set("uuid", ch.UUID)
			co.Set("name", ch.Name)
			co.Set("properties", props)
			co.Set("descriptors", descs)
			chars = append(chars, co)
		}
		so := orderedmap.New[string, any]()
		so.Set("uuid", svc.UUID)
		so.Set("name", svc.Name)
		so.Set("characteristics", chars)
		services = append(services, so)
	}
	_ = r.enc.Encode(services)
}
