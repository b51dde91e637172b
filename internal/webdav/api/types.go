// Copyright 2024 The davfuse Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api has type definitions for the WebDAV XML bodies.
package api

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Wed, 27 Sep 2017 14:28:34 GMT
	timeFormat = time.RFC1123
	// The same as time.RFC1123 with optional leading zeros on the date.
	noZerosRFC1123 = "Mon, _2 Jan 2006 15:04:05 MST"
)

// Multistatus contains the responses returned from an HTTP 207 return code.
type Multistatus struct {
	Responses []Response `xml:"response"`
}

// Response contains an Href the response is about and its properties.
type Response struct {
	Href  string `xml:"href"`
	Props Prop   `xml:"propstat"`
}

// Prop is the properties of a response.
//
// This is a lazy way of decoding the multiple <propstat> elements in a
// response: the arrays of <propstat> and the <prop> within are elided
// into one struct, and Status collects every propstat's status value, of
// which only the first is examined.
type Prop struct {
	Status   []string  `xml:"DAV: status"`
	Name     string    `xml:"DAV: prop>displayname,omitempty"`
	Type     *xml.Name `xml:"DAV: prop>resourcetype>collection,omitempty"`
	Size     int64     `xml:"DAV: prop>getcontentlength,omitempty"`
	Modified Time      `xml:"DAV: prop>getlastmodified,omitempty"`
	ETag     string    `xml:"DAV: prop>getetag,omitempty"`
}

// Parse a status of the form "HTTP/1.1 200 OK" or "HTTP/1.1 200".
var parseStatus = regexp.MustCompile(`^HTTP/[0-9.]+\s+(\d+)`)

// StatusCode returns the numeric status of the first propstat, or 200
// when no status was received at all.
func (p *Prop) StatusCode() int {
	if len(p.Status) == 0 {
		return 200
	}
	match := parseStatus.FindStringSubmatch(p.Status[0])
	if len(match) < 2 {
		return 0
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return code
}

// StatusOK examines the Status and returns an OK flag.
func (p *Prop) StatusOK() bool {
	code := p.StatusCode()
	return code >= 200 && code < 300
}

// IsCollection reports whether the resourcetype marks a collection. A
// resource type the client does not recognize is a regular resource.
func (p *Prop) IsCollection() bool {
	if t := p.Type; t != nil {
		return t.Space == "DAV:" && t.Local == "collection"
	}
	return false
}

// Error describes a WebDAV error response body, e.g.
//
//	<d:error xmlns:d="DAV:" xmlns:s="http://sabredav.org/ns">
//	  <s:exception>Sabre\DAV\Exception\NotFound</s:exception>
//	  <s:message>File with name Photo could not be located</s:message>
//	</d:error>
type Error struct {
	Exception  string `xml:"exception,omitempty"`
	Message    string `xml:"message,omitempty"`
	Status     string
	StatusCode int
}

// Error returns a string for the error and satisfies the error interface.
func (e *Error) Error() string {
	var out []string
	if e.Message != "" {
		out = append(out, e.Message)
	}
	if e.Exception != "" {
		out = append(out, e.Exception)
	}
	if e.Status != "" {
		out = append(out, e.Status)
	}
	if len(out) == 0 {
		return "webdav error"
	}
	return strings.Join(out, ": ")
}

// Time represents date and time information for the WebDAV API,
// marshalling to and from timeFormat.
type Time time.Time

// MarshalXML turns a Time into XML.
func (t *Time) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	timeString := (*time.Time)(t).Format(timeFormat)
	return e.EncodeElement(timeString, start)
}

// Possible time formats to parse the time with.
var timeFormats = []string{
	timeFormat,     // Wed, 27 Sep 2017 14:28:34 GMT (as per RFC)
	time.RFC1123Z,  // Fri, 05 Jan 2018 14:14:38 +0000
	time.UnixDate,  // Wed May 17 15:31:58 UTC 2017
	noZerosRFC1123, // Fri, 7 Sep 2018 08:49:58 GMT
	time.RFC3339,   // 2018-10-31T13:57:11+01:00
}

// UnmarshalXML turns XML into a Time. An unparseable or missing time
// becomes the epoch rather than an error.
func (t *Time) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var v string
	if err := d.DecodeElement(&v, &start); err != nil {
		return err
	}

	if v == "" {
		*t = Time(time.Unix(0, 0))
		return nil
	}

	for _, format := range timeFormats {
		if parsed, err := time.Parse(format, v); err == nil {
			*t = Time(parsed)
			return nil
		}
	}

	*t = Time(time.Unix(0, 0))
	return nil
}
